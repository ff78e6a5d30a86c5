package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/kaiwahq/kaiwa/pkg/session"
	"github.com/kaiwahq/kaiwa/pkg/wire"
)

// spawnTimeout bounds the gateway's wait for a spawn-type call. The runner
// itself enforces the identity capture deadline; this only guards the outer
// RPC from hanging on a stuck launch.
const spawnTimeout = 30 * time.Second

// registerBuiltinMethods wires the session registry operations as RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("session.create", s.validated("session.create", s.handleSessionCreate))
	_ = s.router.RegisterMethod("session.resume", s.validated("session.resume", s.handleSessionResume))
	_ = s.router.RegisterMethod("session.fork", s.validated("session.fork", s.handleSessionFork))
	_ = s.router.RegisterMethod("session.clear", s.validated("session.clear", s.handleSessionClear))
	_ = s.router.RegisterMethod("session.kill", s.validated("session.kill", s.handleSessionKill))
	_ = s.router.RegisterMethod("session.prompt", s.validated("session.prompt", s.handleSessionPrompt))
	_ = s.router.RegisterMethod("session.usage", s.validated("session.usage", s.handleSessionUsage))
	_ = s.router.RegisterMethod("session.export", s.validated("session.export", s.handleSessionExport))
	_ = s.router.RegisterMethod("session.output", s.validated("session.output", s.handleSessionOutput))
	_ = s.router.RegisterMethod("session.list", s.handleSessionList)
	_ = s.router.RegisterMethod("gateway.clients", s.handleGatewayClients)
}

// validated wraps a handler with JSON-schema validation of its params
func (s *Server) validated(method string, handler RequestHandler) RequestHandler {
	return func(params map[string]interface{}) (interface{}, error) {
		if err := s.validator.Validate(method, params); err != nil {
			return nil, err
		}
		return handler(params)
	}
}

func (s *Server) handleSessionCreate(params map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()

	sess, err := s.sessions.Create(ctx, stringParam(params, "prompt"),
		stringParam(params, "model"), stringParam(params, "working_dir"))
	if err != nil {
		return nil, mapSessionError(err)
	}

	s.forwardSession(sess)
	return sessionResult(sess), nil
}

func (s *Server) handleSessionResume(params map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()

	sess, err := s.sessions.Resume(ctx, stringParam(params, "session_id"),
		stringParam(params, "prompt"), stringParam(params, "model"),
		stringParam(params, "working_dir"))
	if err != nil {
		return nil, mapSessionError(err)
	}

	s.forwardSession(sess)
	return sessionResult(sess), nil
}

func (s *Server) handleSessionFork(params map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()

	sess, err := s.sessions.Fork(ctx, stringParam(params, "session_id"))
	if err != nil {
		return nil, mapSessionError(err)
	}

	s.forwardSession(sess)
	return sessionResult(sess), nil
}

func (s *Server) handleSessionClear(params map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()

	sess, err := s.sessions.Clear(ctx, stringParam(params, "session_id"),
		stringParam(params, "prompt"))
	if err != nil {
		return nil, mapSessionError(err)
	}

	s.forwardSession(sess)
	return sessionResult(sess), nil
}

func (s *Server) handleSessionKill(params map[string]interface{}) (interface{}, error) {
	identity := stringParam(params, "session_id")
	if err := s.sessions.Kill(identity); err != nil {
		return nil, mapSessionError(err)
	}
	return map[string]interface{}{"killed": identity}, nil
}

func (s *Server) handleSessionPrompt(params map[string]interface{}) (interface{}, error) {
	identity := stringParam(params, "session_id")
	if err := s.sessions.SendPrompt(identity, stringParam(params, "prompt")); err != nil {
		return nil, mapSessionError(err)
	}
	return map[string]interface{}{"delivered": identity}, nil
}

func (s *Server) handleSessionUsage(params map[string]interface{}) (interface{}, error) {
	identity := stringParam(params, "session_id")
	totals, err := s.sessions.Usage(identity)
	if err != nil {
		return nil, mapSessionError(err)
	}

	sess, _ := s.sessions.Get(identity)
	result := map[string]interface{}{
		"session_id": identity,
		"usage":      totals,
	}
	if sess != nil {
		result["context_used"] = sess.ContextUsed()
		result["compaction_count"] = sess.CompactionCount()
	}
	return result, nil
}

// handleSessionExport stores a context export for an identity so a later
// session.fork can seed the duplicate from it.
func (s *Server) handleSessionExport(params map[string]interface{}) (interface{}, error) {
	st := s.sessions.Store()
	if st == nil {
		return nil, &RPCError{Code: InternalError, Message: "no session store configured"}
	}

	identity := stringParam(params, "session_id")
	if err := st.SaveContext(identity, stringParam(params, "context")); err != nil {
		return nil, mapSessionError(err)
	}
	return map[string]interface{}{"exported": identity}, nil
}

func (s *Server) handleSessionOutput(params map[string]interface{}) (interface{}, error) {
	identity := stringParam(params, "session_id")
	sess, ok := s.sessions.Get(identity)
	if !ok {
		return nil, &RPCError{Code: SessionNotFound, Message: "session not found: " + identity}
	}

	lines := 50
	if n, ok := params["lines"].(float64); ok {
		lines = int(n)
	}
	return map[string]interface{}{
		"session_id": identity,
		"output":     sess.LastOutput(lines),
	}, nil
}

func (s *Server) handleSessionList(_ map[string]interface{}) (interface{}, error) {
	live := s.sessions.List()
	out := make([]map[string]interface{}, 0, len(live))
	for _, sess := range live {
		out = append(out, sessionResult(sess))
	}
	return map[string]interface{}{"sessions": out}, nil
}

func (s *Server) handleGatewayClients(_ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.GetConnectedClients()}, nil
}

// forwardSession pumps a session's event stream to connected clients. The
// pump owns the channel and runs until the runner closes it after the final
// lifecycle event.
func (s *Server) forwardSession(sess *session.Session) {
	go func() {
		for ev := range sess.Events() {
			s.broadcaster.BroadcastTyped(EventMessage{
				Event:   string(ev.Kind()),
				Stream:  streamFor(ev.Kind()),
				Session: sess.Identity(),
				Data:    ev,
			})
		}
	}()
}

func streamFor(kind wire.Kind) StreamType {
	switch kind {
	case wire.KindToolUse, wire.KindToolResult:
		return StreamTypeTool
	case wire.KindUsage, wire.KindCompactionResult:
		return StreamTypeUsage
	case wire.KindInit, wire.KindStop, wire.KindError, wire.KindProcessEnd:
		return StreamTypeLifecycle
	default:
		return StreamTypeAssistant
	}
}

func sessionResult(sess *session.Session) map[string]interface{} {
	return map[string]interface{}{
		"session_id":  sess.Identity(),
		"model":       sess.Model(),
		"working_dir": sess.WorkingDir(),
		"is_resumed":  sess.IsResumed(),
		"created_at":  sess.CreatedAt().UnixMilli(),
	}
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

func mapSessionError(err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return &RPCError{Code: SessionNotFound, Message: err.Error()}
	}
	if errors.Is(err, session.ErrInvalidIdentity) || errors.Is(err, session.ErrIdentityTimeout) ||
		errors.Is(err, session.ErrSessionKilled) {
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
	return err
}
