package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaiwahq/kaiwa/internal/metrics"
	"github.com/kaiwahq/kaiwa/pkg/compact"
	"github.com/kaiwahq/kaiwa/pkg/proc"
	"github.com/kaiwahq/kaiwa/pkg/usage"
	"github.com/kaiwahq/kaiwa/pkg/wire"
)

// captureResult is what the reader goroutine reports back to the spawner
type captureResult struct {
	init wire.Init
	err  error
}

// Session is one live conversation: a process, its event stream, and its
// token economics. The reader goroutine is the only writer to the event
// channel; it closes the channel after the terminal ProcessEnd event.
type Session struct {
	mu         sync.Mutex
	identity   string
	regKey     string // provisional until identity capture rekeys it
	model      string
	workingDir string
	isResumed  bool
	createdAt  time.Time
	captured   bool

	acc   *usage.Accumulator
	coord *compact.Coordinator

	entry  *proc.Entry
	events chan wire.Event
	stop   chan struct{}

	stopOnce  sync.Once
	captureCh chan captureResult

	normalizer   *wire.Normalizer
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	onExit       func(s *Session, exitCode int)
	onCompaction func(s *Session)
}

func newSession(regKey, model, workingDir string, isResumed bool, entry *proc.Entry, acc *usage.Accumulator, bufferSize int, normalizer *wire.Normalizer, logger zerolog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		regKey:     regKey,
		model:      model,
		workingDir: workingDir,
		isResumed:  isResumed,
		createdAt:  time.Now(),
		acc:        acc,
		entry:      entry,
		events:     make(chan wire.Event, bufferSize),
		stop:       make(chan struct{}),
		captureCh:  make(chan captureResult, 1),
		normalizer: normalizer,
		logger:     logger,
		metrics:    m,
	}
}

// Identity returns the captured session identity, empty before capture
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// RegistryKey returns the key the process is registered under
func (s *Session) RegistryKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regKey
}

// Model returns the model the session runs against
func (s *Session) Model() string { return s.model }

// WorkingDir returns the session's project root
func (s *Session) WorkingDir() string { return s.workingDir }

// IsResumed reports whether this incarnation was started with a resume
// directive.
func (s *Session) IsResumed() bool { return s.isResumed }

// CreatedAt returns when this incarnation was spawned
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Events returns the normalized event stream. Events arrive in the exact
// order the process emitted them; the channel closes after ProcessEnd.
func (s *Session) Events() <-chan wire.Event { return s.events }

// Usage returns a snapshot of the running token totals
func (s *Session) Usage() usage.Totals { return s.acc.Totals() }

// ContextUsed returns input+output totals as a fraction of the model's
// context window.
func (s *Session) ContextUsed() float64 { return s.acc.PercentUsed() }

// CompactionState returns the compaction lifecycle state
func (s *Session) CompactionState() compact.State {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return compact.StateNormal
	}
	return coord.State()
}

// CompactionCount returns how many compactions this session has completed
func (s *Session) CompactionCount() int {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return 0
	}
	return coord.Count()
}

// LastCompactionAt returns when the last compaction completed
func (s *Session) LastCompactionAt() time.Time {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return time.Time{}
	}
	return coord.LastCompactionAt()
}

// LastOutput returns up to n recent raw stream lines for diagnostics
func (s *Session) LastOutput(n int) []string {
	return s.entry.LastOutput(n)
}

// finalize installs the captured identity and the compaction coordinator.
// Called once by the registry after a successful capture.
func (s *Session) finalize(identity string, coord *compact.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.regKey = identity
	s.coord = coord
}

// abandon unblocks the reader goroutine when no consumer will ever drain
// the event channel again (capture failures and kills). Emits become
// drop-on-full afterwards; the reader runs down to EOF and closes the
// channel.
func (s *Session) abandon() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// readLoop drains stdout through the framer and normalizer until the
// stream closes, then synthesizes exactly one ProcessEnd and closes the
// event channel. This goroutine is the channel's only sender.
func (s *Session) readLoop() {
	framer := wire.NewFramer()
	stdout := s.entry.Handle().Stdout()
	buf := make([]byte, 32*1024)

	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			lines, err := framer.Push(buf[:n])
			if err != nil {
				s.logger.Warn().Err(err).Msg("Oversized stream line discarded")
			}
			for _, line := range lines {
				s.handleLine(line)
			}
		}
		if readErr != nil {
			if line, ok := framer.Flush(); ok {
				s.handleLine(line)
			}
			break
		}
	}

	exitCode, _ := s.entry.Handle().Wait()

	// Capture never completed: tell the spawner the stream is gone
	select {
	case s.captureCh <- captureResult{err: fmt.Errorf("process exited with code %d before init", exitCode)}:
	default:
	}

	s.emit(wire.ProcessEnd{ExitCode: exitCode})
	close(s.events)

	if exitCode != 0 {
		s.logger.Warn().
			Str("session_id", s.Identity()).
			Int("exit_code", exitCode).
			Msg("Process exited abnormally")
	}

	if s.onExit != nil {
		s.onExit(s, exitCode)
	}
}

// drainStderr logs diagnostic output line by line
func (s *Session) drainStderr() {
	framer := wire.NewFramer()
	stderr := s.entry.Handle().Stderr()
	buf := make([]byte, 8*1024)

	for {
		n, readErr := stderr.Read(buf)
		if n > 0 {
			lines, _ := framer.Push(buf[:n])
			for _, line := range lines {
				if line != "" {
					s.logger.Debug().
						Str("session_id", s.Identity()).
						Str("stderr", line).
						Msg("Process stderr")
				}
			}
		}
		if readErr != nil {
			return
		}
	}
}

// handleLine routes one framed line through normalization and the usage
// and compaction bookkeeping.
func (s *Session) handleLine(line string) {
	s.entry.AppendOutput(line)
	if s.metrics != nil {
		s.metrics.LinesFramedTotal.Inc()
	}

	ev, ok := s.normalizer.Normalize(line)
	if !ok {
		return
	}

	switch v := ev.(type) {
	case wire.Init:
		s.handleInit(v)

	case wire.Usage:
		s.acc.Add(v)
		if s.metrics != nil {
			s.metrics.TokensTotal.WithLabelValues("input").Add(float64(v.InputTokens))
			s.metrics.TokensTotal.WithLabelValues("output").Add(float64(v.OutputTokens))
			s.metrics.TokensTotal.WithLabelValues("cache_read").Add(float64(v.CacheReadTokens))
			s.metrics.TokensTotal.WithLabelValues("cache_creation").Add(float64(v.CacheCreationTokens))
		}
		s.emit(v)

		s.mu.Lock()
		coord := s.coord
		s.mu.Unlock()
		if coord != nil {
			if _, err := coord.Check(); err != nil {
				// Non-fatal: counters preserved, consumer informed
				if s.metrics != nil {
					s.metrics.CompactionsTotal.WithLabelValues("failed").Inc()
				}
				s.emit(wire.ErrorEvent{Text: err.Error()})
			}
		}

	case wire.CompactionResult:
		s.mu.Lock()
		coord := s.coord
		s.mu.Unlock()
		if coord != nil {
			coord.OnCompactionResult(v.TokensSaved)
		}
		if s.metrics != nil {
			s.metrics.CompactionsTotal.WithLabelValues("success").Inc()
		}
		if s.onCompaction != nil {
			s.onCompaction(s)
		}
		s.emit(v)

	default:
		s.emit(ev)
	}
}

// handleInit captures the identity exactly once; recurring init lines are
// ignored.
func (s *Session) handleInit(init wire.Init) {
	s.mu.Lock()
	if s.captured {
		s.mu.Unlock()
		return
	}
	s.captured = true
	s.mu.Unlock()

	if !ValidIdentity(init.Identity) {
		s.captureCh <- captureResult{err: fmt.Errorf("%w: %q", ErrInvalidIdentity, init.Identity)}
		return
	}

	s.captureCh <- captureResult{init: init}
	s.emit(init)
}

// emit delivers one event to the consumer. The channel is bounded; a full
// channel blocks the reader, applying backpressure rather than dropping
// events (a dropped usage event would corrupt the totals).
func (s *Session) emit(ev wire.Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}
