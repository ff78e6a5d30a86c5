package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/internal/metrics"
	"github.com/kaiwahq/kaiwa/pkg/compact"
	"github.com/kaiwahq/kaiwa/pkg/proc"
	"github.com/kaiwahq/kaiwa/pkg/usage"
	"github.com/kaiwahq/kaiwa/pkg/wire"
)

// compactInstruction is what gets sent down stdin to trigger an in-place
// context compaction.
const compactInstruction = "/compact"

// promptMessage is the stdin line shape for follow-up prompts
type promptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Registry is the single authority over live sessions: create, resume,
// fork, clear, kill. It enforces at-most-one live process per identity and
// never leaves partial state behind on a failed attempt.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	cfg        *config.Config
	capability proc.Capability
	processes  *proc.Registry
	store      Store
	normalizer *wire.Normalizer
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewRegistry creates a session registry. store may be nil, which disables
// resume and fork. metrics may be nil.
func NewRegistry(cfg *config.Config, capability proc.Capability, store Store, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		cfg:        cfg,
		capability: capability,
		processes:  proc.NewRegistry(capability, logger),
		store:      store,
		normalizer: wire.NewNormalizer(logger, m),
		logger:     logger,
		metrics:    m,
	}
}

// Processes exposes the underlying process table for periodic reaping
func (r *Registry) Processes() *proc.Registry {
	return r.processes
}

// Store exposes the durable metadata store; nil when none is configured
func (r *Registry) Store() Store {
	return r.store
}

// Create spawns a fresh session and blocks until its identity is captured.
// A failed attempt (spawn error, capture timeout, bad identity) leaves the
// registry unchanged.
func (r *Registry) Create(ctx context.Context, prompt, model, dir string) (*Session, error) {
	spec := proc.Spec{
		Prompt:          prompt,
		Model:           model,
		WorkingDir:      dir,
		SettingsJSON:    r.cfg.Runner.SettingsJSON,
		SkipPermissions: r.cfg.Runner.SkipPermissions,
	}
	return r.spawn(ctx, spec, model, dir, false, "create")
}

// Resume re-enters a known session in a new process. Fails with
// ErrSessionNotFound when the identity is unknown to durable storage.
func (r *Registry) Resume(ctx context.Context, identity, prompt, model, dir string) (*Session, error) {
	if r.store == nil {
		return nil, fmt.Errorf("%w: no session store configured", ErrSessionNotFound)
	}
	rec, err := r.store.Get(identity)
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = rec.Model
	}
	if dir == "" {
		dir = rec.WorkingDir
	}

	spec := proc.Spec{
		Prompt:          prompt,
		Model:           model,
		WorkingDir:      dir,
		ResumeIdentity:  identity,
		SettingsJSON:    r.cfg.Runner.SettingsJSON,
		SkipPermissions: r.cfg.Runner.SkipPermissions,
	}
	return r.spawn(ctx, spec, model, dir, true, "resume")
}

// Fork duplicates a session's conversational context under a brand-new
// identity, leaving the original untouched. The new session is seeded with
// the exported context from the store.
func (r *Registry) Fork(ctx context.Context, identity string) (*Session, error) {
	if r.store == nil {
		return nil, fmt.Errorf("%w: no session store configured", ErrSessionNotFound)
	}
	rec, err := r.store.Get(identity)
	if err != nil {
		return nil, err
	}
	export, err := r.store.ExportContext(identity)
	if err != nil {
		return nil, err
	}

	spec := proc.Spec{
		Prompt:          export,
		Model:           rec.Model,
		WorkingDir:      rec.WorkingDir,
		SettingsJSON:    r.cfg.Runner.SettingsJSON,
		SkipPermissions: r.cfg.Runner.SkipPermissions,
	}
	return r.spawn(ctx, spec, rec.Model, rec.WorkingDir, false, "fork")
}

// Clear kills the session's process and starts over in the same directory
// with no resume directive. A fresh identity is minted by the new process.
func (r *Registry) Clear(ctx context.Context, identity, prompt string) (*Session, error) {
	r.mu.RLock()
	s, live := r.sessions[identity]
	r.mu.RUnlock()

	var model, dir string
	if live {
		model, dir = s.Model(), s.WorkingDir()
		if err := r.Kill(identity); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else if r.store != nil {
		rec, err := r.store.Get(identity)
		if err != nil {
			return nil, err
		}
		model, dir = rec.Model, rec.WorkingDir
	} else {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
	}

	return r.Create(ctx, prompt, model, dir)
}

// Kill forcefully terminates the session's process and removes it from the
// live table. Session metadata stays in the store for a later resume. The
// process dies first; a kill that fails leaves the session live and the
// registry untouched.
func (r *Registry) Kill(identity string) error {
	r.mu.RLock()
	s, hadSession := r.sessions[identity]
	r.mu.RUnlock()

	err := r.processes.Kill(identity)
	procKilled := err == nil
	if errors.Is(err, proc.ErrProcessNotFound) {
		if !hadSession {
			if r.metrics != nil {
				r.metrics.KillsTotal.WithLabelValues("not_found").Inc()
			}
			return fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
		}
		err = nil
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.KillsTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	removed := false
	if hadSession {
		r.mu.Lock()
		if cur, ok := r.sessions[identity]; ok && cur == s {
			delete(r.sessions, identity)
			removed = true
		}
		r.mu.Unlock()

		// Nothing will drain a killed session's channel; unblock the
		// reader so it can run down to EOF and close it.
		s.abandon()
	}

	if r.metrics != nil {
		r.metrics.KillsTotal.WithLabelValues("killed").Inc()
		if removed {
			r.metrics.SessionsActive.Dec()
		}
		if procKilled {
			r.metrics.ProcessesLive.Dec()
		}
	}

	if hadSession {
		r.logger.Info().
			Str("session_id", identity).
			Str("model", s.Model()).
			Msg("Session killed")
	}
	return nil
}

// SendPrompt writes a follow-up prompt to the session's stdin
func (r *Registry) SendPrompt(identity, prompt string) error {
	entry, ok := r.processes.Get(identity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
	}

	msg, err := json.Marshal(promptMessage{Type: "user", Text: prompt})
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}

	return entry.Handle().WriteStdin(append(msg, '\n'))
}

// Usage returns the running token totals for a live session
func (r *Registry) Usage(identity string) (usage.Totals, error) {
	r.mu.RLock()
	s, ok := r.sessions[identity]
	r.mu.RUnlock()
	if !ok {
		return usage.Totals{}, fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
	}
	return s.Usage(), nil
}

// Get returns a live session by identity
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// List returns the live sessions
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close kills every live process and rejects further spawns
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	doomed := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range doomed {
		s.abandon()
	}
	r.processes.KillAll()
	r.logger.Info().Msg("Session registry closed")
}

// spawn is the shared create/resume/fork path: launch, register the
// process immediately under a provisional key, then block on identity
// capture.
func (r *Registry) spawn(ctx context.Context, spec proc.Spec, model, dir string, isResumed bool, mode string) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("registry is closed")
	}

	binary, err := r.capability.ResolveBinary(r.cfg.Runner.BinaryPath)
	if err != nil {
		return nil, err
	}

	command := r.capability.BuildCommand(binary, spec)
	handle, err := proc.Launch(command)
	if err != nil {
		if r.metrics != nil {
			r.metrics.SpawnsTotal.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.SpawnsTotal.WithLabelValues("success").Inc()
		r.metrics.ProcessesLive.Inc()
	}

	// Register before identity capture so a kill can target the process
	// while capture is still in flight.
	provisional := SyntheticIdentity()
	entry := proc.NewEntry(handle, r.cfg.Runner.OutputTailLines)
	if err := r.processes.Register(provisional, entry); err != nil {
		_ = handle.Kill()
		_, _ = handle.Wait()
		return nil, err
	}

	acc := usage.NewAccumulator(r.cfg.Models.ContextWindow(model))
	s := newSession(provisional, model, dir, isResumed, entry, acc,
		r.cfg.Runner.EventBufferSize, r.normalizer, r.logger, r.metrics)
	s.onExit = r.handleExit
	s.onCompaction = r.handleCompaction

	started := time.Now()
	go s.readLoop()
	go s.drainStderr()

	r.logger.Info().
		Str("mode", mode).
		Str("provisional", provisional).
		Int("pid", handle.PID()).
		Str("model", model).
		Str("dir", dir).
		Msg("Process spawned, awaiting session identity")

	progress := time.AfterFunc(time.Second, func() {
		r.logger.Warn().
			Str("provisional", provisional).
			Msg("Still waiting for session identity")
	})
	defer progress.Stop()

	select {
	case res := <-s.captureCh:
		if res.err != nil {
			r.abortSpawn(s, provisional)
			return nil, res.err
		}
		return r.finishSpawn(s, provisional, res.init, started, mode, isResumed)

	case <-entry.Killed():
		// A kill (or shutdown) targeted the provisional key; don't sit
		// out the rest of the capture window.
		r.abortSpawn(s, provisional)
		return nil, fmt.Errorf("%w during identity capture", ErrSessionKilled)

	case <-time.After(r.cfg.Runner.CaptureTimeout()):
		r.abortSpawn(s, provisional)
		return nil, fmt.Errorf("%w after %s; the binary may be cold-starting, retrying is reasonable",
			ErrIdentityTimeout, r.cfg.Runner.CaptureTimeout())

	case <-ctx.Done():
		r.abortSpawn(s, provisional)
		return nil, ctx.Err()
	}
}

// abortSpawn tears down a spawn attempt that will never become a session
func (r *Registry) abortSpawn(s *Session, key string) {
	s.abandon()
	err := r.processes.Kill(key)
	switch {
	case err == nil:
		if r.metrics != nil {
			r.metrics.ProcessesLive.Dec()
		}
	case !errors.Is(err, proc.ErrProcessNotFound):
		r.logger.Warn().Err(err).Str("key", key).Msg("Cleanup kill failed")
	}
}

// finishSpawn rekeys the process to its captured identity and publishes
// the session.
func (r *Registry) finishSpawn(s *Session, provisional string, init wire.Init, started time.Time, mode string, isResumed bool) (*Session, error) {
	identity := init.Identity

	if err := r.processes.Rekey(provisional, identity); err != nil {
		r.abortSpawn(s, provisional)
		return nil, fmt.Errorf("identity %s already has a live process: %w", identity, err)
	}

	directive := func(id string, forced bool) error {
		instruction := compactInstruction
		if forced {
			instruction = compactInstruction + " force"
		}
		return r.SendPrompt(id, instruction)
	}
	coord := compact.NewCoordinator(identity, s.acc, r.cfg.Compaction, directive, r.logger)
	s.finalize(identity, coord)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.abortSpawn(s, identity)
		return nil, fmt.Errorf("registry is closed")
	}
	if _, exists := r.sessions[identity]; exists {
		r.mu.Unlock()
		r.abortSpawn(s, identity)
		return nil, fmt.Errorf("session %s already live", identity)
	}
	r.sessions[identity] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
		r.metrics.SessionsTotal.WithLabelValues(mode).Inc()
		r.metrics.IdentityCaptureDuration.Observe(time.Since(started).Seconds())
	}

	if r.store != nil {
		now := time.Now()
		rec := &Record{
			Identity:     identity,
			Model:        s.Model(),
			WorkingDir:   s.WorkingDir(),
			IsResumed:    isResumed,
			CreatedAt:    s.CreatedAt(),
			LastActiveAt: now,
		}
		if err := r.store.Save(rec); err != nil {
			r.logger.Warn().Err(err).Str("session_id", identity).Msg("Failed to persist session record")
		}
	}

	r.logger.Info().
		Str("session_id", identity).
		Str("mode", mode).
		Dur("capture_time", time.Since(started)).
		Msg("Session identity captured")

	return s, nil
}

// handleExit runs on the reader goroutine after the terminal ProcessEnd
func (r *Registry) handleExit(s *Session, exitCode int) {
	key := s.RegistryKey()
	if _, removed := r.processes.Remove(key); removed && r.metrics != nil {
		r.metrics.ProcessesLive.Dec()
	}

	identity := s.Identity()
	if identity == "" {
		return
	}

	r.mu.Lock()
	cur, ok := r.sessions[identity]
	if ok && cur == s {
		delete(r.sessions, identity)
		ok = true
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok && r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}

	if r.store != nil {
		if err := r.store.Touch(identity, time.Now()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Warn().Err(err).Str("session_id", identity).Msg("Failed to touch session record")
		}
	}
}

// handleCompaction advances the durable compaction audit trail
func (r *Registry) handleCompaction(s *Session) {
	if r.store == nil {
		return
	}
	identity := s.Identity()
	if identity == "" {
		return
	}
	if err := r.store.RecordCompaction(identity, time.Now()); err != nil && !errors.Is(err, ErrSessionNotFound) {
		r.logger.Warn().Err(err).Str("session_id", identity).Msg("Failed to record compaction")
	}
}
