package gateway

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/pkg/proc"
	"github.com/kaiwahq/kaiwa/pkg/session"
)

const testSecret = "test-secret"

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func startTestServer(t *testing.T) *Server {
	t.Helper()

	sessions := session.NewRegistry(config.DefaultConfig(), proc.ForHost(), nil, zerolog.Nop(), nil)
	t.Cleanup(sessions.Close)

	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         freePort(t),
		SharedSecret: testSecret,
		TickInterval: time.Hour, // keep ticks out of test traffic
		Sessions:     sessions,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

// dialAndAuth connects and completes the challenge-response handshake.
func dialAndAuth(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	conn := dial(t, srv)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: computeHMAC(challenge.Challenge, testSecret),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)

	return conn
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rpc(t *testing.T, conn *websocket.Conn, req RPCRequest) RPCResponse {
	t.Helper()

	req.JSONRPC = "2.0"
	require.NoError(t, conn.WriteJSON(req))

	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestNewServer_Validation(t *testing.T) {
	sessions := session.NewRegistry(config.DefaultConfig(), proc.ForHost(), nil, zerolog.Nop(), nil)
	defer sessions.Close()

	_, err := NewServer(Config{Port: 0, SharedSecret: "s", Sessions: sessions})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 7777, SharedSecret: "", Sessions: sessions})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 7777, SharedSecret: "s", Sessions: nil})
	assert.Error(t, err)
}

func TestServer_AuthHandshake(t *testing.T) {
	srv := startTestServer(t)

	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{ID: "1", Method: "session.list"})
	require.Nil(t, resp.Error)
}

func TestServer_RejectsUnauthenticatedRPC(t *testing.T) {
	srv := startTestServer(t)

	conn := dial(t, srv)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "session.list", JSONRPC: "2.0"}))

	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, AuthenticationRequired, resp.Error.Code)
}

func TestServer_RejectsBadSignature(t *testing.T) {
	srv := startTestServer(t)

	conn := dial(t, srv)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: "not-a-signature",
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	assert.False(t, result.Success)
}

func TestServer_SessionList_Empty(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{ID: "1", Method: "session.list"})

	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Empty(t, result["sessions"])
}

func TestServer_MethodNotFound(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{ID: "1", Method: "no.such.method"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestServer_SchemaRejection(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{ID: "1", Method: "session.create", Params: map[string]interface{}{}})

	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestServer_UnknownSessionErrors(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	for i, method := range []string{"session.kill", "session.usage", "session.output"} {
		resp := rpc(t, conn, RPCRequest{
			ID:     fmt.Sprintf("%d", i),
			Method: method,
			Params: map[string]interface{}{"session_id": "missing-session-identity"},
		})
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, SessionNotFound, resp.Error.Code, method)
	}
}

func TestServer_GatewayClients(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{ID: "1", Method: "gateway.clients"})

	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	clients, ok := result["clients"].([]interface{})
	require.True(t, ok)
	assert.Len(t, clients, 1)
}

func TestServer_SubscriptionFiltersBroadcast(t *testing.T) {
	srv := startTestServer(t)

	narrow := dialAndAuth(t, srv)
	all := dialAndAuth(t, srv)

	resp := rpc(t, narrow, RPCRequest{
		ID:     "1",
		Method: "session.subscribe",
		Params: map[string]interface{}{"session_id": "sessionA"},
	})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"sessionA"}, result["subscriptions"])

	srv.broadcaster.BroadcastTyped(EventMessage{
		Event:   "content_delta",
		Stream:  StreamTypeAssistant,
		Session: "sessionB",
		Data:    map[string]interface{}{"text": "hi"},
	})
	srv.broadcaster.BroadcastTyped(EventMessage{
		Event:   "content_delta",
		Stream:  StreamTypeAssistant,
		Session: "sessionA",
		Data:    map[string]interface{}{"text": "hello"},
	})

	// The follow-all client sees both sessions' events in order
	var ev EventMessage
	require.NoError(t, all.ReadJSON(&ev))
	assert.Equal(t, "sessionB", ev.Session)
	require.NoError(t, all.ReadJSON(&ev))
	assert.Equal(t, "sessionA", ev.Session)

	// The subscriber sees only its session
	require.NoError(t, narrow.ReadJSON(&ev))
	assert.Equal(t, "sessionA", ev.Session)
}

func TestServer_UnsubscribeNarrowsToNothing(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{
		ID:     "1",
		Method: "session.subscribe",
		Params: map[string]interface{}{"session_id": "sessionA"},
	})
	require.Nil(t, resp.Error)

	resp = rpc(t, conn, RPCRequest{
		ID:     "2",
		Method: "session.unsubscribe",
		Params: map[string]interface{}{"session_id": "sessionA"},
	})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Empty(t, result["subscriptions"])

	srv.broadcaster.BroadcastTyped(EventMessage{
		Event:   "content_delta",
		Stream:  StreamTypeAssistant,
		Session: "sessionA",
		Data:    map[string]interface{}{"text": "hi"},
	})

	// Lifecycle events without a session still arrive
	srv.broadcaster.Broadcast("server.notice", map[string]interface{}{"ok": true})

	var ev EventMessage
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "server.notice", ev.Event)
	assert.Empty(t, ev.Session)
}

func TestServer_SubscribeRequiresSessionID(t *testing.T) {
	srv := startTestServer(t)
	conn := dialAndAuth(t, srv)

	resp := rpc(t, conn, RPCRequest{ID: "1", Method: "session.subscribe", Params: map[string]interface{}{}})

	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}
