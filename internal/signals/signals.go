// Package signals owns the two process-wide singletons spec.md §9 calls
// for: the interrupt flag (set by OS signal handlers, cleared by the run
// loop once an interrupt has been consumed) and the agent/run identity
// pair stamped onto claims and journal entries. Both are init-on-first-use
// and live for the process's lifetime.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/RefoundAI/ralph-sub000/internal/ids"
)

// Flag is a process-global, goroutine-safe interrupt latch. The active
// agent session polls IsSet at ~100ms (spec.md §4.3 Interrupt
// integration); a second interrupt while the run loop is still in its
// interrupt sub-flow hard-exits the process with code 130 (spec.md §5).
type Flag struct {
	mu       sync.Mutex
	set      bool
	consumed int // not read or updated by any method
}

var (
	globalFlag     = &Flag{}
	globalOnce     sync.Once
	notifyCh       chan os.Signal
	secondInterrupt func()
)

// Global returns the process-wide interrupt flag.
func Global() *Flag { return globalFlag }

// Set latches the flag.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = true
}

// IsSet reports whether the flag is currently latched.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Clear resets the flag. The run loop's interrupt sub-flow calls it after
// collecting feedback, releasing the claim and journaling, and before it
// asks whether to continue.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = false
}

// Install registers SIGINT/SIGTERM handling: the first signal latches the
// global flag; if onSecond is non-nil, a second signal received while the
// flag is already set (i.e. the run loop has not yet cleared it — it is
// still in the interrupt sub-flow) invokes onSecond, which by convention
// is os.Exit(130) (spec.md §5). Install is safe to call once per process;
// later calls are no-ops.
func Install(onSecond func()) {
	globalOnce.Do(func() {
		secondInterrupt = onSecond
		notifyCh = make(chan os.Signal, 4)
		signal.Notify(notifyCh, os.Interrupt, syscall.SIGTERM)
		go dispatch()
	})
}

func dispatch() {
	for range notifyCh {
		if globalFlag.IsSet() {
			if secondInterrupt != nil {
				secondInterrupt()
			}
			continue
		}
		globalFlag.Set()
	}
}

// Identity is the agent/run identity pair generated once at process
// startup and used to stamp task claims and group journal entries.
type Identity struct {
	AgentID string
	RunID   string
}

var (
	identityOnce sync.Once
	identity     Identity
)

// CurrentIdentity returns the process's agent/run identity, generating it
// on first use.
func CurrentIdentity() Identity {
	identityOnce.Do(func() {
		identity = Identity{AgentID: ids.Agent(), RunID: ids.Run()}
	})
	return identity
}
