package grain

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/schema"
)

// ProcessCommand runs the write pipeline: registry lookup, envelope and
// schema validation, handler invocation inside an error boundary, and a
// single atomic append of the emitted events. A handler-returned anomaly is
// forwarded unchanged; every other failure mode maps to the taxonomy.
func ProcessCommand(ctx context.Context, gctx *Context) *CommandResult {
	start := time.Now()
	cmd := gctx.Command
	if cmd == nil {
		return CommandError(anomaly.New(anomaly.Fault, "No command in context"))
	}
	logger := gctx.logger()

	res := processCommand(ctx, gctx, cmd, logger)

	gctx.Metrics.RecordCommand(ctx, cmd.Name, time.Since(start), !res.OK())
	if res.OK() {
		logger.InfoContext(ctx, "command processed",
			slog.String("command", cmd.Name),
			slog.String("command_id", cmd.ID),
			slog.Int("emitted_events", len(res.EmittedEvents)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	} else {
		logger.WarnContext(ctx, "command failed",
			slog.String("command", cmd.Name),
			slog.String("command_id", cmd.ID),
			slog.String("category", string(res.Anomaly.Category)),
			slog.String("message", res.Anomaly.Message),
		)
	}
	return res
}

func processCommand(ctx context.Context, gctx *Context, cmd *Command, logger *slog.Logger) *CommandResult {
	reg, ok := gctx.commands().Lookup(cmd.Name)
	if !ok {
		return CommandError(anomaly.New(anomaly.NotFound, "Unknown Command"))
	}

	if explain := validateEnvelope(cmd.Name, cmd.ID, cmd.Timestamp); explain != nil {
		return CommandError(anomaly.New(anomaly.Incorrect, "Invalid command envelope").WithExplain(explain))
	}
	if reg.Schema != nil {
		if explain := reg.Schema.Validate(cmd.Payload); explain != nil {
			return CommandError(anomaly.New(anomaly.Incorrect, "Invalid command").WithExplain(explain))
		}
	}

	res := invokeCommandHandler(ctx, gctx, reg.Handler, logger)
	if res == nil {
		return CommandError(anomaly.New(anomaly.Fault, "Command handler returned nil"))
	}
	if res.Anomaly != nil {
		return res
	}

	if len(res.EmittedEvents) > 0 && !gctx.SkipEventStorage {
		if gctx.EventStore == nil {
			return CommandError(anomaly.New(anomaly.Fault, "No event store in context"))
		}
		if _, err := gctx.EventStore.Append(ctx, res.EmittedEvents); err != nil {
			logger.ErrorContext(ctx, "append failed",
				slog.String("command", cmd.Name),
				slog.String("error", err.Error()),
			)
			return CommandError(anomaly.New(anomaly.Fault, "Error storing events"))
		}
	}
	return res
}

func invokeCommandHandler(ctx context.Context, gctx *Context, handler CommandHandler, logger *slog.Logger) (res *CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "command handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = CommandError(anomaly.Newf(anomaly.Fault, "Error executing command handler: %v", r))
		}
	}()
	return handler(ctx, gctx)
}

// validateEnvelope checks the generic envelope: name, id and timestamp must
// be present with the right types. Shared by commands and queries.
func validateEnvelope(name, id string, ts time.Time) *schema.Explain {
	var problems []schema.Problem
	if name == "" {
		problems = append(problems, schema.Problem{Field: "name", Code: "required", Message: "name is required"})
	}
	if id == "" {
		problems = append(problems, schema.Problem{Field: "id", Code: "required", Message: "id is required"})
	} else if _, err := uuid.Parse(id); err != nil {
		problems = append(problems, schema.Problem{Field: "id", Code: "uuid", Message: "id must be a UUID"})
	}
	if ts.IsZero() {
		problems = append(problems, schema.Problem{Field: "timestamp", Code: "required", Message: "timestamp is required"})
	}
	if len(problems) == 0 {
		return nil
	}
	return &schema.Explain{Problems: problems}
}
