package proc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry binds one registry key to exactly one live process. It keeps a
// bounded tail of recent raw output lines for diagnostics.
type Entry struct {
	handle    *Handle
	startedAt time.Time

	killed   chan struct{}
	killOnce sync.Once

	tailMu  sync.Mutex
	tail    []string
	tailCap int
}

// NewEntry creates a registry entry for a launched handle
func NewEntry(handle *Handle, tailCap int) *Entry {
	return &Entry{
		handle:    handle,
		startedAt: time.Now(),
		killed:    make(chan struct{}),
		tailCap:   tailCap,
	}
}

// Killed is closed as soon as a kill has been requested for this entry.
// Anyone blocked waiting on the process (identity capture in particular)
// selects on it instead of waiting for the kill itself to finish.
func (e *Entry) Killed() <-chan struct{} { return e.killed }

func (e *Entry) markKilled() {
	e.killOnce.Do(func() { close(e.killed) })
}

// Handle returns the process handle
func (e *Entry) Handle() *Handle { return e.handle }

// StartedAt returns when the process was spawned
func (e *Entry) StartedAt() time.Time { return e.startedAt }

// AppendOutput records a raw line in the diagnostic tail
func (e *Entry) AppendOutput(line string) {
	if e.tailCap <= 0 {
		return
	}

	e.tailMu.Lock()
	defer e.tailMu.Unlock()

	e.tail = append(e.tail, line)
	if len(e.tail) > e.tailCap {
		e.tail = e.tail[len(e.tail)-e.tailCap:]
	}
}

// LastOutput returns up to n of the most recent raw lines
func (e *Entry) LastOutput(n int) []string {
	e.tailMu.Lock()
	defer e.tailMu.Unlock()

	if n <= 0 || n > len(e.tail) {
		n = len(e.tail)
	}
	out := make([]string, n)
	copy(out, e.tail[len(e.tail)-n:])
	return out
}

// Registry is the table of live processes, keyed by session identity.
// Entries are registered under a provisional key the moment the spawn
// succeeds, before identity capture completes, so kill requests can target
// a process mid-capture. At most one entry exists per key.
type Registry struct {
	mu     sync.RWMutex
	procs  map[string]*Entry
	cap    Capability
	logger zerolog.Logger
}

// NewRegistry creates an empty process registry
func NewRegistry(cap Capability, logger zerolog.Logger) *Registry {
	return &Registry{
		procs:  make(map[string]*Entry),
		cap:    cap,
		logger: logger,
	}
}

// Register adds an entry under key. Fails if the key already has a live
// process.
func (r *Registry) Register(key string, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[key]; exists {
		return fmt.Errorf("process already registered for %s", key)
	}
	r.procs[key] = entry

	r.logger.Debug().
		Str("key", key).
		Int("pid", entry.handle.PID()).
		Msg("Process registered")
	return nil
}

// Rekey moves an entry from a provisional key to its captured identity.
// No-op when the keys are equal.
func (r *Registry) Rekey(oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.procs[oldKey]
	if !exists {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, oldKey)
	}
	if _, taken := r.procs[newKey]; taken {
		return fmt.Errorf("process already registered for %s", newKey)
	}

	delete(r.procs, oldKey)
	r.procs[newKey] = entry

	r.logger.Debug().
		Str("from", oldKey).
		Str("to", newKey).
		Msg("Process rekeyed")
	return nil
}

// Get returns the entry for key
func (r *Registry) Get(key string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.procs[key]
	return entry, ok
}

// Remove deletes and returns the entry for key
func (r *Registry) Remove(key string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.procs[key]
	if ok {
		delete(r.procs, key)
	}
	return entry, ok
}

// Keys returns the registered keys
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.procs))
	for k := range r.procs {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of live entries
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// Kill forcefully terminates the process under key and removes the entry.
// The handle kill comes first; if it fails the PID fallback takes over.
func (r *Registry) Kill(key string) error {
	entry, ok := r.Remove(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, key)
	}

	// Unblock waiters before the kill itself, which may sit out the
	// termination grace period.
	entry.markKilled()

	handle := entry.Handle()
	if handle.Exited() {
		return nil
	}

	if err := handle.Kill(); err != nil {
		r.logger.Warn().
			Err(err).
			Str("key", key).
			Msg("Handle kill failed, falling back to pid")

		if pidErr := r.cap.KillPID(handle.PID()); pidErr != nil {
			return fmt.Errorf("kill %s: %w", key, pidErr)
		}
	}

	r.logger.Info().
		Str("key", key).
		Int("pid", handle.PID()).
		Msg("Process killed")
	return nil
}

// KillAll terminates every live process. Used on shutdown.
func (r *Registry) KillAll() {
	for _, key := range r.Keys() {
		if err := r.Kill(key); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Kill failed during shutdown")
		}
	}
}

// CleanupFinished removes entries whose processes have exited and returns
// how many were removed.
func (r *Registry) CleanupFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, entry := range r.procs {
		if entry.handle.Exited() {
			delete(r.procs, key)
			removed++
		}
	}
	return removed
}
