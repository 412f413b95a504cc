package transport_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/russolsen/transit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/schema"
	"github.com/plaenen/grain/pkg/store/memory"
	"github.com/plaenen/grain/pkg/transport"
)

func kw(s string) transit.Keyword { return transit.Keyword(s) }

func transitBytes(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, transit.NewEncoder(&buf, false).Encode(v))
	return &buf
}

func decodeBody(t *testing.T, body io.Reader) any {
	t.Helper()
	value, err := transit.NewDecoder(body).Decode()
	require.NoError(t, err)
	return normalize(value)
}

func normalize(v any) any {
	switch tv := v.(type) {
	case transit.Keyword:
		return string(tv)
	case map[any]any:
		m := make(map[string]any, len(tv))
		for k, val := range tv {
			key, _ := k.(string)
			if kword, ok := k.(transit.Keyword); ok {
				key = string(kword)
			}
			m[key] = normalize(val)
		}
		return m
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

type env struct {
	store  *memory.Store
	server *httptest.Server
}

func newServer(t *testing.T) *env {
	t.Helper()
	eventStore := memory.New(memory.Config{})

	commands := grain.NewCommandRegistry(
		grain.CommandRegistration{
			Name:   "example/create-counter",
			Schema: schema.Map(schema.Field("name", schema.Required(), schema.String())),
			Handler: func(ctx context.Context, gctx *grain.Context) *grain.CommandResult {
				counterID := uuid.NewString()
				return &grain.CommandResult{
					EmittedEvents: []*grain.Event{{
						Type: "example/counter-created",
						Body: map[string]any{
							"counter_id": counterID,
							"name":       gctx.Command.Payload["name"],
						},
					}},
					Result: map[string]any{"counter_id": counterID},
				}
			},
		},
		grain.CommandRegistration{
			Name: "example/fail",
			Handler: func(ctx context.Context, gctx *grain.Context) *grain.CommandResult {
				category := anomaly.Category(gctx.Command.Payload["category"].(string))
				return grain.CommandError(anomaly.New(category, "deliberate"))
			},
		},
		grain.CommandRegistration{
			Name: "example/silent",
			Handler: func(ctx context.Context, gctx *grain.Context) *grain.CommandResult {
				return &grain.CommandResult{}
			},
		},
		grain.CommandRegistration{
			Name: "example/whoami",
			Handler: func(ctx context.Context, gctx *grain.Context) *grain.CommandResult {
				return &grain.CommandResult{Result: map[string]any{
					"principal": gctx.Additional["principal"],
				}}
			},
		},
	)

	queries := grain.NewQueryRegistry(
		grain.QueryRegistration{
			Name: "example/ping",
			Handler: func(ctx context.Context, gctx *grain.Context) *grain.QueryResult {
				return &grain.QueryResult{Result: map[string]any{"pong": true}}
			},
		},
	)

	handler := transport.NewHandler(transport.Config{
		Commands:   commands,
		Queries:    queries,
		EventStore: eventStore,
		Additional: map[string]any{"principal": "tester"},
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &env{store: eventStore, server: server}
}

func (e *env) post(t *testing.T, path string, body *bytes.Buffer) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, transport.ContentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func commandEnvelope(name string, payload map[any]any) map[any]any {
	inner := map[any]any{kw("command/name"): kw(name)}
	for k, v := range payload {
		inner[k] = v
	}
	return map[any]any{kw("command"): inner}
}

func TestCreateCounterHappyPath(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/command", transitBytes(t,
		commandEnvelope("example/create-counter", map[any]any{kw("name"): "n"})))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, transport.ContentType, resp.Header.Get("Content-Type"))

	body, ok := decodeBody(t, resp.Body).(map[string]any)
	require.True(t, ok)
	counterID, ok := body["counter_id"].(string)
	require.True(t, ok)
	_, err := uuid.Parse(counterID)
	assert.NoError(t, err, "counter_id must be a UUID")

	all, err := e.store.Read(context.Background(), grain.ReadQuery{})
	require.NoError(t, err)
	events := grain.FilterTx(all)
	require.Len(t, events, 1)
	assert.Equal(t, "example/counter-created", events[0].Type)
	assert.Equal(t, "n", events[0].Body["name"])
}

func TestMissingFieldIsBadRequest(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/command", transitBytes(t,
		commandEnvelope("example/create-counter", nil)))

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ok := decodeBody(t, resp.Body).(map[string]any)
	require.True(t, ok)
	_, ok = body["message"].(string)
	assert.True(t, ok, "body carries a message")
	_, ok = body["explain"].(map[string]any)
	assert.True(t, ok, "body carries a structured explain")

	all, err := e.store.Read(context.Background(), grain.ReadQuery{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected command must not append")
}

func TestUnknownCommandIsNotFound(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/command", transitBytes(t,
		commandEnvelope("unknown/x", nil)))

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp.Body).(map[string]any)
	assert.Equal(t, "Unknown Command", body["message"])
}

func TestUnknownQueryIsNotFound(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/query", transitBytes(t, map[any]any{
		kw("query"): map[any]any{kw("query/name"): kw("unknown/x")},
	}))

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp.Body).(map[string]any)
	assert.Equal(t, "Unknown Query", body["message"])
}

func TestQueryHappyPath(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/query", transitBytes(t, map[any]any{
		kw("query"): map[any]any{kw("query/name"): kw("example/ping")},
	}))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp.Body).(map[string]any)
	assert.Equal(t, true, body["pong"])
}

func TestStatusMapping(t *testing.T) {
	e := newServer(t)

	cases := []struct {
		category string
		status   int
	}{
		{"incorrect", http.StatusBadRequest},
		{"forbidden", http.StatusForbidden},
		{"not-found", http.StatusNotFound},
		{"conflict", http.StatusConflict},
		{"fault", http.StatusInternalServerError},
		{"unavailable", http.StatusInternalServerError},
		{"busy", http.StatusInternalServerError},
		{"interrupted", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.category, func(t *testing.T) {
			resp := e.post(t, "/command", transitBytes(t,
				commandEnvelope("example/fail", map[any]any{kw("category"): tc.category})))
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decodeBody(t, resp.Body).(map[string]any)
			assert.Equal(t, "deliberate", body["message"])
		})
	}
}

func TestSuccessWithoutResultIsOK(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/command", transitBytes(t,
		commandEnvelope("example/silent", nil)))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", decodeBody(t, resp.Body))
}

func TestAdditionalContextReachesHandlers(t *testing.T) {
	e := newServer(t)

	resp := e.post(t, "/command", transitBytes(t,
		commandEnvelope("example/whoami", nil)))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp.Body).(map[string]any)
	assert.Equal(t, "tester", body["principal"])
}

func TestMalformedEnvelope(t *testing.T) {
	e := newServer(t)

	t.Run("MissingEnvelopeKey", func(t *testing.T) {
		resp := e.post(t, "/command", transitBytes(t, map[any]any{kw("nope"): 1}))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("NonMapBody", func(t *testing.T) {
		resp := e.post(t, "/command", transitBytes(t, "just a string"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	e := newServer(t)

	resp, err := http.Get(e.server.URL + "/command")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
