package grain

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/plaenen/grain/pkg/anomaly"
)

// ProcessQuery runs the read pipeline: registry lookup, envelope and schema
// validation, handler invocation inside an error boundary. Query handlers
// never emit events; there is no append step.
func ProcessQuery(ctx context.Context, gctx *Context) *QueryResult {
	start := time.Now()
	q := gctx.Query
	if q == nil {
		return QueryError(anomaly.New(anomaly.Fault, "No query in context"))
	}
	logger := gctx.logger()

	res := processQuery(ctx, gctx, q, logger)

	gctx.Metrics.RecordQuery(ctx, q.Name, time.Since(start), !res.OK())
	if res.OK() {
		logger.DebugContext(ctx, "query processed",
			slog.String("query", q.Name),
			slog.String("query_id", q.ID),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	} else {
		logger.WarnContext(ctx, "query failed",
			slog.String("query", q.Name),
			slog.String("query_id", q.ID),
			slog.String("category", string(res.Anomaly.Category)),
			slog.String("message", res.Anomaly.Message),
		)
	}
	return res
}

func processQuery(ctx context.Context, gctx *Context, q *Query, logger *slog.Logger) *QueryResult {
	reg, ok := gctx.queries().Lookup(q.Name)
	if !ok {
		return QueryError(anomaly.New(anomaly.NotFound, "Unknown Query"))
	}

	if explain := validateEnvelope(q.Name, q.ID, q.Timestamp); explain != nil {
		return QueryError(anomaly.New(anomaly.Incorrect, "Invalid query envelope").WithExplain(explain))
	}
	if reg.Schema != nil {
		if explain := reg.Schema.Validate(q.Payload); explain != nil {
			return QueryError(anomaly.New(anomaly.Incorrect, "Invalid query").WithExplain(explain))
		}
	}

	res := invokeQueryHandler(ctx, gctx, reg.Handler, logger)
	if res == nil {
		return QueryError(anomaly.New(anomaly.Fault, "Query handler returned nil"))
	}
	return res
}

func invokeQueryHandler(ctx context.Context, gctx *Context, handler QueryHandler, logger *slog.Logger) (res *QueryResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "query handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = QueryError(anomaly.Newf(anomaly.Fault, "Error executing query handler: %v", r))
		}
	}()
	return handler(ctx, gctx)
}
