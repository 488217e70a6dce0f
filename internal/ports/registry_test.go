package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	r := NewRegistry(log)
	r.probeFree = func(port int) bool { return true }
	return r
}

func TestReserveAndRelease(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Reserve("p1", []int{8010, 3010, 5442, 6389}))

	holder, ok := r.HeldBy(8010)
	require.True(t, ok)
	assert.Equal(t, "p1", holder)

	r.Release("p1", []int{8010, 3010, 5442, 6389})
	_, ok = r.HeldBy(8010)
	assert.False(t, ok)
}

func TestReserveConflictIsAtomic(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Reserve("p1", []int{8010}))

	err := r.Reserve("p2", []int{8010, 3010})
	require.Error(t, err)
	assert.Equal(t, CodePortsInUse, apperr.CodeOf(err))
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	// The non-conflicting port must not have been reserved.
	_, ok := r.HeldBy(3010)
	assert.False(t, ok)
}

func TestReserveIsIdempotentPerProject(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Reserve("p1", []int{8010}))
	require.NoError(t, r.Reserve("p1", []int{8010}), "re-reserving own ports must succeed")
}

func TestReserveRespectsOSProbe(t *testing.T) {
	r := newTestRegistry(t)
	r.probeFree = func(port int) bool { return port != 8010 }

	err := r.Reserve("p1", []int{8010})
	require.Error(t, err)
	assert.Equal(t, CodePortsInUse, apperr.CodeOf(err))
}

func TestAllocateSkipsHeldPorts(t *testing.T) {
	r := newTestRegistry(t)
	pool := config.PortRange{From: 8000, To: 8002}

	require.NoError(t, r.Reserve("p1", []int{8000}))

	port, err := r.Allocate(pool, "p2")
	require.NoError(t, err)
	assert.Equal(t, 8001, port)

	port, err = r.Allocate(pool, "p3")
	require.NoError(t, err)
	assert.Equal(t, 8002, port)

	_, err = r.Allocate(pool, "p4")
	require.Error(t, err)
	assert.Equal(t, CodePortsInUse, apperr.CodeOf(err))
}

func TestReleaseAll(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Reserve("p1", []int{8010, 3010}))
	require.NoError(t, r.Reserve("p2", []int{8011}))

	r.ReleaseAll("p1")

	_, ok := r.HeldBy(8010)
	assert.False(t, ok)
	_, ok = r.HeldBy(8011)
	assert.True(t, ok)
}

func TestReconcileReplacesState(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Reserve("stale", []int{9000}))

	r.Reconcile(map[string][]int{
		"p1": {8010, 3010},
		"p2": {8011},
	})

	_, ok := r.HeldBy(9000)
	assert.False(t, ok)
	holder, ok := r.HeldBy(8010)
	require.True(t, ok)
	assert.Equal(t, "p1", holder)
}
