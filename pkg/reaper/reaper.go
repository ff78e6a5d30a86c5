// Package reaper periodically sweeps finished child processes out of the
// live registry and prunes stale session records from the store.
package reaper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kaiwahq/kaiwa/pkg/proc"
)

// Pruner removes stored session records idle since before cutoff
type Pruner interface {
	PruneInactive(cutoff time.Time) (int, error)
}

// Reaper runs registry sweeps on a cron schedule
type Reaper struct {
	schedule  string
	retention time.Duration
	processes *proc.Registry
	pruner    Pruner
	cron      *cron.Cron
	entryID   cron.EntryID
	logger    zerolog.Logger
	running   bool
}

// Config holds reaper configuration
type Config struct {
	// Schedule is a cron spec, descriptors like "@every 1m" included
	Schedule string

	// Retention prunes store records idle longer than this. Zero disables
	// store pruning.
	Retention time.Duration

	Processes *proc.Registry
	Pruner    Pruner
	Logger    zerolog.Logger
}

// New creates a reaper. The schedule is validated up front so a bad config
// fails at startup rather than at first tick.
func New(cfg Config) (*Reaper, error) {
	if cfg.Schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if cfg.Processes == nil {
		return nil, fmt.Errorf("process registry is required")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	return &Reaper{
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		processes: cfg.Processes,
		pruner:    cfg.Pruner,
		cron:      cron.New(),
		logger:    cfg.Logger,
	}, nil
}

// Start begins scheduled sweeps
func (r *Reaper) Start() error {
	if r.running {
		return fmt.Errorf("reaper is already running")
	}

	id, err := r.cron.AddFunc(r.schedule, r.Sweep)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	r.entryID = id
	r.cron.Start()
	r.running = true

	r.logger.Info().
		Str("schedule", r.schedule).
		Dur("retention", r.retention).
		Msg("Reaper started")

	return nil
}

// Stop halts scheduled sweeps, waiting for a running sweep to finish
func (r *Reaper) Stop() error {
	if !r.running {
		return fmt.Errorf("reaper is not running")
	}

	ctx := r.cron.Stop()
	<-ctx.Done()
	r.running = false

	r.logger.Info().Msg("Reaper stopped")
	return nil
}

// Sweep runs one pass immediately. Safe to call whether or not the
// scheduler is running.
func (r *Reaper) Sweep() {
	reaped := r.processes.CleanupFinished()
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Reaped finished processes")
	}

	if r.pruner == nil || r.retention <= 0 {
		return
	}

	pruned, err := r.pruner.PruneInactive(time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prune stored sessions")
		return
	}
	if pruned > 0 {
		r.logger.Info().Int("pruned", pruned).Msg("Pruned stale session records")
	}
}
