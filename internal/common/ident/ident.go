// Package ident generates identifiers for Hub aggregates.
package ident

import "github.com/google/uuid"

// New returns a time-ordered (version 7) UUID string. Events, runs, node
// runs, and approvals all use v7 ids so keyset pagination on (timestamp, id)
// stays stable for rows created in the same clock tick.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		return uuid.New().String()
	}
	return id.String()
}
