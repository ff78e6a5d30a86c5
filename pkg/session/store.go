package session

import "time"

// Record is the durable metadata kept per session so conversations can be
// resumed and forked across process lifetimes. Conversation history itself
// is a collaborator concern; only the export seed passes through here.
type Record struct {
	Identity         string
	Model            string
	WorkingDir       string
	IsResumed        bool
	CreatedAt        time.Time
	LastActiveAt     time.Time
	CompactionCount  int
	LastCompactionAt time.Time
	ContextExport    string
}

// Store is the durable session metadata collaborator. Implementations
// return ErrSessionNotFound for unknown identities.
type Store interface {
	// Get returns the record for identity
	Get(identity string) (*Record, error)

	// Save upserts a record
	Save(rec *Record) error

	// Touch updates the last-active timestamp
	Touch(identity string, at time.Time) error

	// RecordCompaction advances the compaction audit trail
	RecordCompaction(identity string, at time.Time) error

	// SaveContext stores an exported context seed for forking
	SaveContext(identity string, export string) error

	// ExportContext returns the stored context seed
	ExportContext(identity string) (string, error)
}
