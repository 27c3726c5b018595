// Package safeguards provides concurrency control and recovery mechanisms
// for pipeline workers.
package safeguards

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// OperationGuard bounds how many pipeline jobs a process runs at once and
// serializes jobs that touch the same photo. Concurrent enrichment writes
// for one photo would interleave unpredictably; per-key serialization keeps
// each photo's updates ordered without stalling unrelated work.
type OperationGuard struct {
	mu        sync.Mutex
	semaphore chan struct{}
	keys      map[string]*keyLock
	activeOps int
	logger    logrus.FieldLogger
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent jobs (default: 1)
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1 // Default to serialized operations
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		keys:      make(map[string]*keyLock),
		logger:    cfg.Logger.WithField("component", "operation-guard"),
	}
}

// Acquire acquires a job slot plus the exclusive lock for key. Blocks until
// both are available or the context is cancelled. key is typically the
// photo's storage key; an empty key acquires only the slot.
func (g *OperationGuard) Acquire(ctx context.Context, key string) error {
	g.logger.WithField("key", key).Debug("acquiring operation slot")

	// Try to acquire semaphore with context timeout
	select {
	case g.semaphore <- struct{}{}:
		// Got a slot
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	if key != "" {
		if err := g.lockKey(ctx, key); err != nil {
			<-g.semaphore
			return err
		}
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"key":        key,
		"active_ops": activeOps,
	}).Debug("acquired operation slot")

	return nil
}

func (g *OperationGuard) lockKey(ctx context.Context, key string) error {
	g.mu.Lock()
	kl, ok := g.keys[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		g.keys[key] = kl
	}
	kl.refs++
	g.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(g.keys, key)
		}
		g.mu.Unlock()
		return fmt.Errorf("context cancelled while waiting for key %q: %w", key, ctx.Err())
	}
}

// Release releases the slot and key lock acquired by Acquire.
func (g *OperationGuard) Release(key string) {
	g.mu.Lock()
	g.activeOps--
	activeOps := g.activeOps
	if key != "" {
		if kl, ok := g.keys[key]; ok {
			<-kl.ch
			kl.refs--
			if kl.refs == 0 {
				delete(g.keys, key)
			}
		}
	}
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"key":        key,
		"active_ops": activeOps,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of active operations.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation executes a function holding the slot and the key lock.
func (g *OperationGuard) WithOperation(ctx context.Context, key string, fn func() error) error {
	if err := g.Acquire(ctx, key); err != nil {
		return err
	}
	defer g.Release(key)
	return fn()
}

// RecoverableOperation wraps a function with panic recovery. A panic inside
// a stage handler becomes an ordinary error so the job fails and retries
// instead of taking the worker down.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}
