package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanupPolicyKind selects when a registered resource is released.
type CleanupPolicyKind int

const (
	// CleanupImmediate releases the resource as soon as the manager sees it.
	CleanupImmediate CleanupPolicyKind = iota
	// CleanupDelayed releases the resource after a grace period, used for
	// objects that a late notification might still reference.
	CleanupDelayed
	// CleanupDisabled registers the resource for shutdown draining only.
	CleanupDisabled
)

// CleanupPolicy pairs the kind with its delay.
type CleanupPolicy struct {
	Kind  CleanupPolicyKind
	After time.Duration
}

// Immediately is the immediate cleanup policy.
func Immediately() CleanupPolicy { return CleanupPolicy{Kind: CleanupImmediate} }

// After delays cleanup by d.
func After(d time.Duration) CleanupPolicy { return CleanupPolicy{Kind: CleanupDelayed, After: d} }

// Disabled defers cleanup to shutdown.
func Disabled() CleanupPolicy { return CleanupPolicy{Kind: CleanupDisabled} }

// Resource is one registered cleanup obligation: a temp tile on disk, an
// input or output object, an inference record.
type Resource struct {
	Name    string
	Policy  CleanupPolicy
	Cleanup func(ctx context.Context) error

	due      time.Time
	attempts int
}

// maxCleanupAttempts caps re-queues of a failing cleanup so one stuck
// object cannot grow the registry without bound.
const maxCleanupAttempts = 5

// ResourceManager tracks resources created by the async pipeline and
// releases them in the background. Failed cleanups are logged and re-queued;
// retries never block the data path.
type ResourceManager struct {
	mu      sync.Mutex
	pending []*Resource
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewResourceManager creates a manager; call Start to launch the background
// cleaner.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the background cleanup goroutine.
func (m *ResourceManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.worker(ctx)
}

// Register adds a resource under the given policy.
func (m *ResourceManager) Register(res Resource) {
	switch res.Policy.Kind {
	case CleanupImmediate:
		res.due = time.Now()
	case CleanupDelayed:
		res.due = time.Now().Add(res.Policy.After)
	case CleanupDisabled:
		res.due = time.Time{} // only drained at shutdown
	}
	m.mu.Lock()
	m.pending = append(m.pending, &res)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// takeDue removes and returns the resources whose time has come. When force
// is set every resource is due, including disabled ones.
func (m *ResourceManager) takeDue(force bool) []*Resource {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Resource
	kept := m.pending[:0]
	for _, res := range m.pending {
		if force || (!res.due.IsZero() && !res.due.After(now)) {
			due = append(due, res)
		} else {
			kept = append(kept, res)
		}
	}
	m.pending = kept
	return due
}

func (m *ResourceManager) runCleanups(ctx context.Context, due []*Resource, requeue bool) {
	for _, res := range due {
		if err := res.Cleanup(ctx); err != nil {
			res.attempts++
			if requeue && res.attempts < maxCleanupAttempts {
				slog.Warn("resource cleanup failed, re-queueing",
					"resource", res.Name, "attempt", res.attempts, "error", err)
				res.due = time.Now().Add(30 * time.Second)
				m.mu.Lock()
				m.pending = append(m.pending, res)
				m.mu.Unlock()
			} else {
				slog.Error("resource cleanup abandoned", "resource", res.Name, "error", err)
			}
			continue
		}
		slog.Debug("resource cleaned up", "resource", res.Name)
	}
}

func (m *ResourceManager) worker(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-m.wake:
		case <-ticker.C:
		}
		m.runCleanups(ctx, m.takeDue(false), true)
	}
}

// CleanupAllResources drains the registry synchronously. With force set,
// delayed and disabled resources are released too; the runner calls this on
// shutdown.
func (m *ResourceManager) CleanupAllResources(ctx context.Context, force bool) {
	m.runCleanups(ctx, m.takeDue(force), !force)
}

// Stop terminates the background cleaner and drains everything.
func (m *ResourceManager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.done)
	m.wg.Wait()
	m.CleanupAllResources(ctx, true)
}
