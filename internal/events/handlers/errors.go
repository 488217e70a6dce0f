package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/meshhub/meshhub/internal/common/apperr"
)

// respondError writes an error response with the stable code and mapped
// HTTP status.
func respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{"code": appErr.Code, "message": appErr.Message},
	})
}
