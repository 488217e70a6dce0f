// Package ports tracks which TCP ports are held by running project stacks.
// The in-process map is the fast path; the projects table mirrors every
// reservation so state survives restarts via Reconcile.
package ports

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
)

// CodePortsInUse is returned when a requested port is already held.
const CodePortsInUse = "PORTS_IN_USE"

// Registry is the process-wide port reservation table.
type Registry struct {
	mu     sync.Mutex
	held   map[int]string // port -> project id
	logger *logger.Logger

	// probeFree is swapped out in tests to avoid binding real sockets.
	probeFree func(port int) bool
}

// NewRegistry creates an empty port registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		held:      make(map[int]string),
		logger:    log,
		probeFree: osProbeFree,
	}
}

// SetProbe overrides the OS socket probe. Intended for tests.
func (r *Registry) SetProbe(f func(port int) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeFree = f
}

// Reserve atomically claims all given ports for a project. A port is
// reservable when no other project holds it and no OS socket is bound to it.
// On any conflict nothing is reserved and a PORTS_IN_USE error lists the
// busy ports.
func (r *Registry) Reserve(projectID string, ports []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var busy []int
	for _, port := range ports {
		if holder, ok := r.held[port]; ok && holder != projectID {
			busy = append(busy, port)
			continue
		}
		if !r.probeFree(port) {
			busy = append(busy, port)
		}
	}
	if len(busy) > 0 {
		sort.Ints(busy)
		return apperr.ConflictWithCode(CodePortsInUse,
			fmt.Sprintf("ports in use: %s", joinPorts(busy)))
	}

	for _, port := range ports {
		r.held[port] = projectID
	}
	r.logger.Debug("Reserved ports",
		zap.String("project_id", projectID),
		zap.Ints("ports", ports))
	return nil
}

// Release frees the given ports if held by the project.
func (r *Registry) Release(projectID string, ports []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, port := range ports {
		if r.held[port] == projectID {
			delete(r.held, port)
		}
	}
	r.logger.Debug("Released ports",
		zap.String("project_id", projectID),
		zap.Ints("ports", ports))
}

// ReleaseAll frees every port held by the project.
func (r *Registry) ReleaseAll(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port, holder := range r.held {
		if holder == projectID {
			delete(r.held, port)
		}
	}
}

// HeldBy returns the project holding a port, if any.
func (r *Registry) HeldBy(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.held[port]
	return holder, ok
}

// Allocate finds and reserves the first reservable port in the range for a
// project. Returns PORTS_IN_USE when the pool is exhausted.
func (r *Registry) Allocate(pool config.PortRange, projectID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port := pool.From; port <= pool.To; port++ {
		if _, taken := r.held[port]; taken {
			continue
		}
		if !r.probeFree(port) {
			continue
		}
		r.held[port] = projectID
		return port, nil
	}
	return 0, apperr.ConflictWithCode(CodePortsInUse,
		fmt.Sprintf("no free port in range %d-%d", pool.From, pool.To))
}

// Reconcile seeds the registry from persisted reservations at boot. Existing
// in-memory state is replaced.
func (r *Registry) Reconcile(assignments map[string][]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.held = make(map[int]string)
	for projectID, ports := range assignments {
		for _, port := range ports {
			r.held[port] = projectID
		}
	}
	r.logger.Info("Reconciled port reservations",
		zap.Int("projects", len(assignments)),
		zap.Int("ports", len(r.held)))
}

// osProbeFree reports whether the port can be bound right now.
func osProbeFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ", ")
}
