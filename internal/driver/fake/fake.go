// Package fake provides an in-memory container driver for tests and for
// running the Hub without a container runtime.
package fake

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/ident"
	"github.com/meshhub/meshhub/internal/driver"
)

// DriverName is the name this driver registers under.
const DriverName = "fake"

// AgentBehavior scripts the outcome of a RunAgent call for an image.
type AgentBehavior struct {
	Stdout   []byte
	ExitCode int
	Err      error
	Delay    time.Duration
}

// Driver is a scriptable in-memory driver. The zero value via New starts
// every stack successfully and runs every agent with exit 0 and `{}` output.
type Driver struct {
	mu sync.Mutex

	stacks    map[string]driver.StackSpec // handle ref -> spec
	behaviors map[string]AgentBehavior    // image -> scripted outcome

	// StartErr / StopErr force stack lifecycle failures. StartDelay holds
	// StartStack open so tests can observe in-flight operations.
	StartErr   error
	StopErr    error
	StartDelay time.Duration

	startCalls     []driver.StackSpec
	stopCalls      []string
	runCalls       []string
	terminateCalls []string
	terminated     map[string]chan struct{}
}

// New creates a fake driver.
func New() *Driver {
	return &Driver{
		stacks:     make(map[string]driver.StackSpec),
		behaviors:  make(map[string]AgentBehavior),
		terminated: make(map[string]chan struct{}),
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return DriverName }

// Ping implements driver.Driver.
func (d *Driver) Ping(ctx context.Context) error { return nil }

// Close implements driver.Driver.
func (d *Driver) Close() error { return nil }

// ScriptAgent sets the outcome for agents using the given image.
func (d *Driver) ScriptAgent(image string, b AgentBehavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behaviors[image] = b
}

// StartStack records the call and returns a handle, or StartErr if set.
func (d *Driver) StartStack(ctx context.Context, spec driver.StackSpec) (*driver.StackHandle, error) {
	d.mu.Lock()
	d.startCalls = append(d.startCalls, spec)
	delay := d.StartDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return nil, d.StartErr
	}

	ref := "fake-" + ident.New()
	d.stacks[ref] = spec
	return &driver.StackHandle{Ref: ref, StartedAt: time.Now().UTC()}, nil
}

// StopStack records the call, or returns StopErr if set.
func (d *Driver) StopStack(ctx context.Context, handle *driver.StackHandle, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCalls = append(d.stopCalls, handle.Ref)
	if d.StopErr != nil {
		return d.StopErr
	}
	delete(d.stacks, handle.Ref)
	return nil
}

// RunAgent returns the scripted behavior for the image, or exit 0 with `{}`.
func (d *Driver) RunAgent(ctx context.Context, image string, input json.RawMessage, limits driver.ResourceLimits) (*driver.AgentResult, error) {
	d.mu.Lock()
	d.runCalls = append(d.runCalls, image)
	b, scripted := d.behaviors[image]
	ref := "fake-agent-" + ident.New()
	termCh := make(chan struct{})
	d.terminated[ref] = termCh
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.terminated, ref)
		d.mu.Unlock()
	}()

	if !scripted {
		b = AgentBehavior{Stdout: []byte(`{}`)}
	}

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-termCh:
			return nil, apperr.Cancelled("agent terminated")
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, apperr.Timeout("agent execution exceeded its time budget")
			}
			return nil, apperr.Cancelled("agent execution cancelled")
		}
	}

	if b.Err != nil {
		return nil, b.Err
	}
	return &driver.AgentResult{Stdout: b.Stdout, ExitCode: b.ExitCode, LogsRef: ref}, nil
}

// Terminate unblocks a delayed agent run.
func (d *Driver) Terminate(ctx context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.terminateCalls = append(d.terminateCalls, ref)
	if ch, ok := d.terminated[ref]; ok {
		close(ch)
		delete(d.terminated, ref)
	}
	return nil
}

// RunningStacks returns the number of stacks not yet stopped.
func (d *Driver) RunningStacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stacks)
}

// StartCalls returns recorded StartStack specs.
func (d *Driver) StartCalls() []driver.StackSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.StackSpec(nil), d.startCalls...)
}

// StopCalls returns recorded StopStack handle refs.
func (d *Driver) StopCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.stopCalls...)
}

// RunCalls returns recorded RunAgent images.
func (d *Driver) RunCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.runCalls...)
}

// TerminateCalls returns recorded Terminate refs.
func (d *Driver) TerminateCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.terminateCalls...)
}

// TransientError builds a driver error the orchestrator classifies as
// transient, mirroring a connect timeout from a real runtime.
func TransientError() error {
	return apperr.Timeout("dial tcp: i/o timeout")
}
