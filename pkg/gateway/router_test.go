package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"session.list","jsonrpc":"2.0"}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "session.list", req.Method)
	})

	t.Run("should default jsonrpc version", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"session.list"}`))
		require.NoError(t, err)
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{not json`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject missing id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"session.list"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})

	t.Run("should reject missing method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	t.Run("should route to registered handler", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("echo", func(params map[string]interface{}) (interface{}, error) {
			return params["value"], nil
		}))

		resp := router.RouteRequest(&RPCRequest{
			ID:     "1",
			Method: "echo",
			Params: map[string]interface{}{"value": "hello"},
		})

		require.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("should return method not found", func(t *testing.T) {
		router := NewRPCRouter()

		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "nope"})

		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should preserve typed RPC errors from handlers", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("fail", func(map[string]interface{}) (interface{}, error) {
			return nil, &RPCError{Code: SessionNotFound, Message: "session not found"}
		}))

		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "fail"})

		require.NotNil(t, resp.Error)
		assert.Equal(t, SessionNotFound, resp.Error.Code)
	})

	t.Run("should wrap plain handler errors as internal", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("fail", func(map[string]interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		}))

		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "fail"})

		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
	})

	t.Run("should reject nil handler registration", func(t *testing.T) {
		router := NewRPCRouter()
		assert.Error(t, router.RegisterMethod("x", nil))
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	t.Run("should replay cached response for same key", func(t *testing.T) {
		router := NewRPCRouter()
		calls := 0
		require.NoError(t, router.RegisterMethod("spawn", func(map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}))

		first := router.RouteRequest(&RPCRequest{ID: "1", Method: "spawn", IdempotencyKey: "k1"})
		second := router.RouteRequest(&RPCRequest{ID: "2", Method: "spawn", IdempotencyKey: "k1"})

		assert.Equal(t, 1, calls, "handler runs once per idempotency key")
		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "2", second.ID, "replay carries the retry's request id")
	})

	t.Run("should not cache error responses", func(t *testing.T) {
		router := NewRPCRouter()
		calls := 0
		require.NoError(t, router.RegisterMethod("spawn", func(map[string]interface{}) (interface{}, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		}))

		first := router.RouteRequest(&RPCRequest{ID: "1", Method: "spawn", IdempotencyKey: "k1"})
		second := router.RouteRequest(&RPCRequest{ID: "2", Method: "spawn", IdempotencyKey: "k1"})

		require.NotNil(t, first.Error)
		require.Nil(t, second.Error)
		assert.Equal(t, "ok", second.Result)
	})

	t.Run("should isolate keys across methods", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("a", func(map[string]interface{}) (interface{}, error) { return "a", nil }))
		require.NoError(t, router.RegisterMethod("b", func(map[string]interface{}) (interface{}, error) { return "b", nil }))

		respA := router.RouteRequest(&RPCRequest{ID: "1", Method: "a", IdempotencyKey: "k"})
		respB := router.RouteRequest(&RPCRequest{ID: "2", Method: "b", IdempotencyKey: "k"})

		assert.Equal(t, "a", respA.Result)
		assert.Equal(t, "b", respB.Result)
	})
}
