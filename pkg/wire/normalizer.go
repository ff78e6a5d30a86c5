package wire

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/kaiwahq/kaiwa/internal/metrics"
)

// envelope is the outer shape of every wire line
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Cwd       string          `json:"cwd"`
	Data      json.RawMessage `json:"data"`
}

// Normalizer maps framed JSON lines onto Event variants. Unknown tags and
// lines that fail to parse are dropped without aborting the stream; one
// noisy line must not take down a healthy session.
type Normalizer struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewNormalizer creates a normalizer. metrics may be nil.
func NewNormalizer(logger zerolog.Logger, m *metrics.Metrics) *Normalizer {
	return &Normalizer{
		logger:  logger,
		metrics: m,
	}
}

// Normalize maps one line to an event. The second return is false when the
// line was dropped (malformed, unknown tag, or blank).
func (n *Normalizer) Normalize(line string) (Event, bool) {
	if line == "" {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		n.dropLine(line, "invalid json")
		return nil, false
	}

	if env.Type == "" {
		n.dropLine(line, "missing type tag")
		return nil, false
	}

	ev, ok := n.decode(env)
	if !ok {
		return nil, false
	}

	if n.metrics != nil {
		n.metrics.EventsTotal.WithLabelValues(string(ev.Kind())).Inc()
	}
	return ev, true
}

func (n *Normalizer) decode(env envelope) (Event, bool) {
	switch env.Type {
	case "init":
		return n.decodeInit(env)

	case "system":
		// Older streams tag the init line as a system event
		if env.Subtype == "init" {
			return n.decodeInit(env)
		}
		n.dropLine(env.Type+"/"+env.Subtype, "unknown system subtype")
		return nil, false

	case "message_start":
		var ev MessageStart
		return n.decodeData(env, &ev)

	case "content_delta":
		var ev ContentDelta
		return n.decodeData(env, &ev)

	case "tool_use":
		var ev ToolUse
		return n.decodeData(env, &ev)

	case "tool_result":
		var ev ToolResult
		return n.decodeData(env, &ev)

	case "usage":
		var ev Usage
		return n.decodeData(env, &ev)

	case "stop":
		var ev Stop
		return n.decodeData(env, &ev)

	case "compaction_result":
		var ev CompactionResult
		return n.decodeData(env, &ev)

	case "error":
		var ev ErrorEvent
		return n.decodeData(env, &ev)

	default:
		n.dropLine(env.Type, "unknown type tag")
		return nil, false
	}
}

// decodeInit reads the identity from the data envelope, falling back to
// top-level fields for the system/init shape.
func (n *Normalizer) decodeInit(env envelope) (Event, bool) {
	ev := Init{
		Identity:   env.SessionID,
		Model:      env.Model,
		WorkingDir: env.Cwd,
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			n.dropLine(env.Type, "bad init payload")
			return nil, false
		}
	}
	if ev.Identity == "" {
		n.dropLine(env.Type, "init without identity")
		return nil, false
	}
	return ev, true
}

func (n *Normalizer) decodeData(env envelope, ev Event) (Event, bool) {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			n.dropLine(env.Type, "bad payload")
			return nil, false
		}
	}
	return deref(ev), true
}

// deref returns the value-typed event so callers can type-switch on
// concrete variants rather than pointers.
func deref(ev Event) Event {
	switch v := ev.(type) {
	case *MessageStart:
		return *v
	case *ContentDelta:
		return *v
	case *ToolUse:
		return *v
	case *ToolResult:
		return *v
	case *Usage:
		return *v
	case *Stop:
		return *v
	case *CompactionResult:
		return *v
	case *ErrorEvent:
		return *v
	default:
		return ev
	}
}

func (n *Normalizer) dropLine(context, reason string) {
	n.logger.Debug().
		Str("reason", reason).
		Str("line", truncate(context, 200)).
		Msg("Dropped stream line")

	if n.metrics != nil {
		n.metrics.MalformedLinesTotal.Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
