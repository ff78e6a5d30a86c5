package compact

import "errors"

// ErrCompactionFailed means a compaction directive could not be delivered
// or the compaction itself errored. Non-fatal to the session; counters are
// preserved.
var ErrCompactionFailed = errors.New("compaction failed")
