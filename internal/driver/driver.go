// Package driver abstracts the container runtime behind a small interface so
// the orchestrator and workflow engine never talk to Docker directly. Drivers
// register themselves by name; CONTAINER_DRIVER selects one at boot.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ServiceSpec describes one container within a project stack.
type ServiceSpec struct {
	Name          string // service name within the stack (backend, frontend, db, cache)
	Image         string
	ContainerPort int // port the service listens on inside the container
	HostPort      int // reserved host port to bind
	Env           map[string]string
}

// StackSpec describes a full project stack to start.
type StackSpec struct {
	ProjectID string
	Slug      string
	Path      string // project filesystem root, mounted into the backend service
	Network   string
	Services  []ServiceSpec
}

// StackHandle is the driver-opaque reference to a started stack.
type StackHandle struct {
	Ref       string    `json:"ref"` // opaque; round-tripped to StopStack
	StartedAt time.Time `json:"started_at"`
}

// ResourceLimits bounds a one-shot agent execution.
type ResourceLimits struct {
	MemoryMB int64
	CPUQuota int64 // microseconds per 100ms period, 0 means unlimited
	Timeout  time.Duration
}

// AgentResult is the outcome of a one-shot agent container.
type AgentResult struct {
	Stdout   []byte // expected to be one JSON object
	ExitCode int
	LogsRef  string // driver-opaque reference for captured logs
}

// Driver is the container runtime abstraction.
type Driver interface {
	// Name returns the registered driver name.
	Name() string

	// StartStack starts every service in the spec. Either all services start
	// and a handle is returned, or everything started so far is torn down.
	StartStack(ctx context.Context, spec StackSpec) (*StackHandle, error)

	// StopStack stops and removes every container behind the handle.
	StopStack(ctx context.Context, handle *StackHandle, grace time.Duration) error

	// RunAgent runs a one-shot agent container to completion: input is
	// written to stdin, stdout is captured. Cancelling ctx terminates the
	// container.
	RunAgent(ctx context.Context, image string, input json.RawMessage, limits ResourceLimits) (*AgentResult, error)

	// Terminate force-stops a running agent or stack container by its
	// driver-opaque reference.
	Terminate(ctx context.Context, ref string) error

	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}

// Factory builds a driver from whatever wiring main provides.
type Factory func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver constructor available under a name. Drivers call
// this from their package or main wires them explicitly.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the named driver. Unknown names list the registered ones.
func New(name string) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown container driver %q (registered: %v)", name, Registered())
	}
	return f()
}

// Registered returns the registered driver names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
