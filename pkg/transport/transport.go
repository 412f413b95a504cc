// Package transport is the HTTP boundary: POST /command and POST /query
// with Transit-encoded bodies. It adapts wire envelopes to the processors
// and maps the anomaly taxonomy to HTTP status codes.
package transport

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/observability"
	"github.com/plaenen/grain/pkg/schema"
)

// ContentType is the Transit JSON media type served and expected.
const ContentType = "application/transit+json"

// Config wires the handler to the runtime.
type Config struct {
	Commands   *grain.CommandRegistry
	Queries    *grain.QueryRegistry
	EventStore grain.EventStore
	PubSub     grain.PubSub

	// Additional is merged into every processor context, e.g. the
	// authenticated identity resolved by outer middleware.
	Additional map[string]any

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewHandler builds the HTTP handler.
func NewHandler(cfg Config) http.Handler {
	h := &handler{cfg: cfg, logger: cfg.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /command", h.handleCommand)
	mux.HandleFunc("POST /query", h.handleQuery)
	return mux
}

type handler struct {
	cfg    Config
	logger *slog.Logger
}

func (h *handler) context() *grain.Context {
	return &grain.Context{
		Commands:   h.cfg.Commands,
		Queries:    h.cfg.Queries,
		EventStore: h.cfg.EventStore,
		PubSub:     h.cfg.PubSub,
		Additional: h.cfg.Additional,
		Logger:     h.logger,
		Metrics:    h.cfg.Metrics,
	}
}

func (h *handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	envelope, a := h.decodeEnvelope(r, "command")
	if a != nil {
		h.writeAnomaly(w, a)
		return
	}

	// The transport owns identity and time: client-supplied values are
	// discarded.
	cmd := &grain.Command{
		ID:        uuid.NewString(),
		Timestamp: grain.Now(),
	}
	cmd.Name, cmd.Payload = splitEnvelope(envelope, "command")

	gctx := h.context().WithCommand(cmd)
	res := grain.ProcessCommand(r.Context(), gctx)
	if res.Anomaly != nil {
		h.writeAnomaly(w, res.Anomaly)
		return
	}
	h.writeResult(w, res.Result)
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	envelope, a := h.decodeEnvelope(r, "query")
	if a != nil {
		h.writeAnomaly(w, a)
		return
	}

	q := &grain.Query{
		ID:        uuid.NewString(),
		Timestamp: grain.Now(),
	}
	q.Name, q.Payload = splitEnvelope(envelope, "query")

	gctx := h.context().WithQuery(q)
	res := grain.ProcessQuery(r.Context(), gctx)
	if res.Anomaly != nil {
		h.writeAnomaly(w, res.Anomaly)
		return
	}
	h.writeResult(w, res.Result)
}

// decodeEnvelope reads the request body and extracts the map under the
// given envelope key.
func (h *handler) decodeEnvelope(r *http.Request, key string) (map[string]any, *anomaly.Anomaly) {
	value, err := decodeTransit(r.Body)
	if err != nil {
		return nil, anomaly.Newf(anomaly.Incorrect, "Malformed request body: %v", err)
	}
	outer, ok := value.(map[string]any)
	if !ok {
		return nil, anomaly.New(anomaly.Incorrect, "Request body must be a map")
	}
	inner, ok := outer[key].(map[string]any)
	if !ok {
		return nil, anomaly.Newf(anomaly.Incorrect, "Missing %s envelope", key)
	}
	return inner, nil
}

// splitEnvelope separates the namespaced envelope fields ("command/name",
// "command/id", "command/timestamp" and query/* alike) from the payload.
// Only the name is kept; id and timestamp are stamped by the transport.
func splitEnvelope(m map[string]any, kind string) (name string, payload map[string]any) {
	prefix := kind + "/"
	payload = make(map[string]any, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, prefix) {
			if k == prefix+"name" {
				if s, ok := v.(string); ok {
					name = s
				}
			}
			continue
		}
		payload[k] = v
	}
	return name, payload
}

// statusFor maps an anomaly category to its HTTP status.
func statusFor(category anomaly.Category) int {
	switch category {
	case anomaly.Incorrect:
		return http.StatusBadRequest
	case anomaly.Forbidden:
		return http.StatusForbidden
	case anomaly.NotFound:
		return http.StatusNotFound
	case anomaly.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeAnomaly(w http.ResponseWriter, a *anomaly.Anomaly) {
	body := map[string]any{"message": a.Message}
	if a.Explain != nil {
		if ex, ok := a.Explain.(*schema.Explain); ok {
			body["explain"] = ex.AsMap()
		} else {
			body["explain"] = a.Explain
		}
	}
	h.write(w, statusFor(a.Category), body)
}

func (h *handler) writeResult(w http.ResponseWriter, result any) {
	if result == nil {
		h.write(w, http.StatusOK, "OK")
		return
	}
	h.write(w, http.StatusOK, result)
}

func (h *handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if err := encodeTransit(w, body); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
