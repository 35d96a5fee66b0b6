package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofmint/notarylistener/internal/apiclient"
)

const hash = "0x0000000000000000000000000000000000000000000000000000000000000abc"

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.HandlerFunc) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(apiclient.New(Config{APIURL: ts.URL, AdminSecret: "s3cret"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func reply(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListenerStatus(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listener/status", r.URL.Path)
		reply(w, http.StatusOK, map[string]any{"status": map[string]any{
			"state": "reconnecting", "reconnectAttempts": 5, "maxReconnectAttempts": 5,
			"retriesExhausted": true, "lastError": "dial tcp: i/o timeout",
		}})
	})

	result, err := h.HandleListenerStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "State: reconnecting")
	assert.Contains(t, text, "Reconnect attempts: 5/5")
	assert.Contains(t, text, "Retries exhausted")
	assert.Contains(t, text, "i/o timeout")
}

func TestHandleListenerStatus_APIDown(t *testing.T) {
	h := NewHandlers(apiclient.New(Config{APIURL: "http://127.0.0.1:1"}))

	result, err := h.HandleListenerStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to get listener status")
}

func TestHandleListPending(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{
			"escrows": []map[string]string{{"documentHash": hash, "escrowId": "42"}},
			"count":   1,
		})
	})

	result, err := h.HandleListPending(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1 pending escrow(s)")
	assert.Contains(t, text, hash+" -> escrow 42")
}

func TestHandleListPending_Empty(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"escrows": []any{}, "count": 0})
	})

	result, err := h.HandleListPending(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No pending escrows.", resultText(t, result))
}

func TestHandleRegisterEscrow(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"documentHash":"`+hash+`","escrowId":"7"}`, string(body))
		reply(w, http.StatusOK, map[string]any{
			"documentHash": hash,
			"registration": map[string]any{"created": false, "previous": "6", "size": 3},
			"warning":      "registry: persist failed",
		})
	})

	result, err := h.HandleRegisterEscrow(context.Background(), makeRequest(map[string]any{
		"document_hash": hash,
		"escrow_id":     "7",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Updated "+hash+" -> escrow 7 (previously 6)")
	assert.Contains(t, text, "Pending escrows: 3")
	assert.Contains(t, text, "Warning: registry: persist failed")
}

func TestHandleRegisterEscrow_MissingArgs(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	result, err := h.HandleRegisterEscrow(context.Background(), makeRequest(map[string]any{"document_hash": hash}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRegisterEscrow_ValidationError(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": "documentHash: must be 0x followed by 64 hex characters",
		})
	})

	result, err := h.HandleRegisterEscrow(context.Background(), makeRequest(map[string]any{
		"document_hash": "0xabc",
		"escrow_id":     "1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "64 hex characters")
}

func TestHandleReconnect_Disabled(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "blockchain_disabled",
			"message": "chain: not configured: missing PRIVATE_KEY",
		})
	})

	result, err := h.HandleReconnect(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Blockchain features are disabled")
}

func TestHandleReconnect_Success(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"status": map[string]any{"state": "listening", "isListening": true}})
	})

	result, err := h.HandleReconnect(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Listening: true")
}

func TestHandleStopListener(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listener/stop", r.URL.Path)
		reply(w, http.StatusOK, map[string]any{"status": map[string]any{"state": "initialized"}})
	})

	result, err := h.HandleStopListener(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Listener stopped.")
}

func TestHandleDiagnose(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/listener/test/provider":
			reply(w, http.StatusOK, map[string]any{"provider": map[string]any{
				"connected": true, "network": "amoy", "chainId": 80002, "blockNumber": 1234,
			}})
		case "/v1/listener/test/events":
			reply(w, http.StatusOK, map[string]any{"events": map[string]any{
				"working": true, "latestBlock": 1234, "recentEvents": 2,
			}})
		}
	})

	result, err := h.HandleDiagnose(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "connected to amoy (chain 80002), head block 1234")
	assert.Contains(t, text, "working, 2 DocumentHashRecorded event(s)")
}

func TestHandleDiagnose_ProviderDown(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listener/test/provider", r.URL.Path, "events are not tested when the provider is down")
		reply(w, http.StatusBadGateway, map[string]any{"provider": map[string]any{
			"connected": false, "error": "Provider not initialized",
		}})
	})

	result, err := h.HandleDiagnose(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "NOT connected (Provider not initialized)")
}

func TestHandleHealth(t *testing.T) {
	h := newTestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
	})

	result, err := h.HandleHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"status": "degraded"`)
}

func TestFormatJSON_Invalid(t *testing.T) {
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:3001"}, "test")
	require.NotNil(t, s)
}
