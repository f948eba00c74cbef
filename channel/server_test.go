package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
	"github.com/agent-foundry/foundry-core/platform/session"
)

type runnerFunc func(ctx context.Context, req *envelope.Request, initial state.State) (state.State, error)

func (f runnerFunc) Run(ctx context.Context, req *envelope.Request, initial state.State) (state.State, error) {
	return f(ctx, req, initial)
}

func okRunner(body map[string]any) runnerFunc {
	return func(_ context.Context, req *envelope.Request, _ state.State) (state.State, error) {
		out := map[string]any{"request_id": req.RequestID}
		for k, v := range body {
			out[k] = v
		}
		return state.State{"final_response": out}, nil
	}
}

func failRunner(err error) runnerFunc {
	return func(context.Context, *envelope.Request, state.State) (state.State, error) {
		return nil, err
	}
}

func newTestServer(runner Runner, opts ...ServerOption) *Server {
	return NewServer(runner, envelope.Identity{Tenant: "acme", Instance: "bot"}, logging.Nop(), opts...)
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// ==== CHAT & API ENDPOINTS ====

func TestChatEndpoint(t *testing.T) {
	srv := newTestServer(okRunner(map[string]any{"message": "hello *world*"}))
	rec := post(t, srv.Handler(), "/v1/chat", map[string]any{
		"actor":      "user:dev",
		"input_text": "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeInto[ChatResponse](t, rec)
	assert.Equal(t, `hello \*world\*`, resp.OutputMarkdown)
	assert.NotEmpty(t, resp.RequestID)
}

func TestAPIEndpoint(t *testing.T) {
	srv := newTestServer(okRunner(map[string]any{"message": "ok", "ticket": "T-7"}))
	rec := post(t, srv.Handler(), "/v1/api", map[string]any{
		"actor":      "user:dev",
		"input_json": map[string]any{"intent": "create"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeInto[APIResponse](t, rec)
	assert.Equal(t, "T-7", resp.OutputJSON["ticket"])
	assert.Empty(t, resp.ErrorKind)
}

func TestActorRequired(t *testing.T) {
	srv := newTestServer(okRunner(nil))
	rec := post(t, srv.Handler(), "/v1/chat", map[string]any{"input_text": "hi"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeInto[envelope.Response](t, rec)
	assert.Equal(t, string(fault.KindArgumentValidation), resp.ErrorKind)
}

func TestTenantMismatchRejected(t *testing.T) {
	called := false
	srv := newTestServer(runnerFunc(func(context.Context, *envelope.Request, state.State) (state.State, error) {
		called = true
		return state.New(), nil
	}))
	rec := post(t, srv.Handler(), "/v1/chat", map[string]any{
		"actor":      "user:dev",
		"tenant":     "rival",
		"input_text": "hi",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called, "cross-tenant request must not reach the pipeline")

	resp := decodeInto[envelope.Response](t, rec)
	assert.Equal(t, "operation not permitted", resp.Message)
}

func TestMalformedBody(t *testing.T) {
	srv := newTestServer(okRunner(nil))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{broken"))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunnerFaultsMapToStatus(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindArgumentValidation, http.StatusBadRequest},
		{fault.KindUnauthorized, http.StatusForbidden},
		{fault.KindNotFound, http.StatusNotFound},
		{fault.KindDeadlineExceeded, http.StatusGatewayTimeout},
		{fault.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			srv := newTestServer(failRunner(fault.New(tc.kind, "worker exploded")))
			rec := post(t, srv.Handler(), "/v1/chat", map[string]any{"actor": "user:dev", "input_text": "hi"})
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestUnauthorizedMessageIsOpaque(t *testing.T) {
	srv := newTestServer(failRunner(fault.New(fault.KindUnauthorized, "actor user:dev lacks can_execute on agent/bot")))
	rec := post(t, srv.Handler(), "/v1/chat", map[string]any{"actor": "user:dev", "input_text": "hi"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	resp := decodeInto[envelope.Response](t, rec)
	assert.Equal(t, "operation not permitted", resp.Message)
	assert.NotContains(t, rec.Body.String(), "can_execute")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(okRunner(nil))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestChatStreamDisabledWithoutBus(t *testing.T) {
	srv := newTestServer(okRunner(nil))
	rec := post(t, srv.Handler(), "/v1/chat/stream", map[string]any{"actor": "user:dev", "input_text": "hi"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

// ==== VOICE ENDPOINT ====

func TestVoiceEndpoint(t *testing.T) {
	stub := &speechStub{transcript: "what is the status", audioOut: "audio:reply"}
	adapter, err := NewVoiceAdapter(stub)
	require.NoError(t, err)

	var sawText string
	runner := runnerFunc(func(_ context.Context, req *envelope.Request, _ state.State) (state.State, error) {
		sawText = req.FirstText()
		return state.State{"final_response": map[string]any{"message": "all green"}}, nil
	})
	srv := newTestServer(runner, WithVoice(adapter))

	rec := post(t, srv.Handler(), "/v1/voice", map[string]any{
		"actor":        "user:dev",
		"audio_handle": "audio:in",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "what is the status", sawText)

	resp := decodeInto[VoiceResponse](t, rec)
	assert.Equal(t, "all green", resp.Transcript)
	assert.Equal(t, "audio:reply", resp.AudioHandle)
}

func TestVoiceEndpointRequiresAudioHandle(t *testing.T) {
	adapter, err := NewVoiceAdapter(&speechStub{})
	require.NoError(t, err)
	srv := newTestServer(okRunner(nil), WithVoice(adapter))

	rec := post(t, srv.Handler(), "/v1/voice", map[string]any{"actor": "user:dev"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceEndpointAbsentWithoutAdapter(t *testing.T) {
	srv := newTestServer(okRunner(nil))
	rec := post(t, srv.Handler(), "/v1/voice", map[string]any{"actor": "user:dev", "audio_handle": "a"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ==== VERSION ENDPOINTS ====

func versionServer(t *testing.T) (*Server, session.VersionStore) {
	t.Helper()
	store := session.NewMemoryVersions()
	return newTestServer(okRunner(nil), WithVersions(store)), store
}

func TestCommitVersionEndpoint(t *testing.T) {
	srv, _ := versionServer(t)
	rec := post(t, srv.Handler(), "/v1/graphs/triage/versions", map[string]any{
		"actor":    "user:dev",
		"message":  "initial",
		"snapshot": map[string]any{"rev": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	v := decodeInto[session.Version](t, rec)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, "user:dev", v.CommittedBy)
}

func TestCommitVersionValidation(t *testing.T) {
	srv, _ := versionServer(t)
	rec := post(t, srv.Handler(), "/v1/graphs/triage/versions", map[string]any{
		"actor": "user:dev",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "snapshot is required")
}

func TestListAndGetVersionEndpoints(t *testing.T) {
	srv, store := versionServer(t)
	_, err := store.Commit(context.Background(), "triage", []byte(`{"rev":1}`), "", "user:dev")
	require.NoError(t, err)
	_, err = store.Commit(context.Background(), "triage", []byte(`{"rev":2}`), "", "user:dev")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graphs/triage/versions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Versions []session.Version `json:"versions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed.Versions, 2)
	assert.Equal(t, 1, listed.Versions[0].Version)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graphs/triage/versions/2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	blob, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rev":2}`, string(blob))
}

func TestGetVersionErrors(t *testing.T) {
	srv, _ := versionServer(t)

	t.Run("bad version param", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graphs/triage/versions/zero", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing version", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graphs/triage/versions/9", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRestoreVersionEndpoint(t *testing.T) {
	srv, store := versionServer(t)
	_, err := store.Commit(context.Background(), "triage", []byte(`{"rev":1}`), "", "user:dev")
	require.NoError(t, err)

	rec := post(t, srv.Handler(), "/v1/graphs/triage/versions/1/restore", map[string]any{
		"actor": "user:ops",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeInto[session.Version](t, rec)
	assert.Equal(t, 2, v.Version, "a restore mints a new version")
	assert.Equal(t, "user:ops", v.CommittedBy)
}
