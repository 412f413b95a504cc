// Package projection folds events into read-model state with an
// incremental, watermark-driven snapshot cache. A projection is a pure
// fold; the cache only changes latency, never the result.
package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/kv"
	"github.com/plaenen/grain/pkg/observability"
)

// WritebackThreshold is the number of freshly folded events a cache hit
// must accumulate before the snapshot is rewritten. Amortises
// serialization cost against projection frequency; a miss always writes.
const WritebackThreshold = 10

// Deps are the projector's collaborators.
type Deps struct {
	Store   grain.EventStore
	Cache   kv.Store
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Definition describes one projection. Incrementing Version changes the
// snapshot key and forces a full rebuild; that is the deployment path for
// a fold change.
type Definition[S any] struct {
	Name    string
	Version int

	// Query selects the events folded. Transaction markers are skipped
	// unless the query names their type explicitly.
	Query grain.ReadQuery

	// Init returns the empty state.
	Init func() S

	// Fold applies one event.
	Fold func(S, *grain.Event) S
}

// envelope is the CBOR snapshot payload: the serialized state plus the
// identifier of the last event folded into it.
type envelope struct {
	Watermark string          `cbor:"watermark"`
	State     cbor.RawMessage `cbor:"state"`
}

// Key is the snapshot key for a projection name and version.
func Key(name string, version int) []byte {
	return []byte(fmt.Sprintf("%s@%d", name, version))
}

// Project returns the fold of every event matching the definition's query
// at the time of call, consulting and opportunistically refreshing the
// snapshot cache.
func Project[S any](ctx context.Context, deps Deps, def Definition[S]) (S, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state := def.Init()
	key := Key(def.Name, def.Version)
	watermark := ""
	hit := false

	if deps.Cache != nil {
		raw, err := deps.Cache.Get(key)
		if err != nil {
			logger.WarnContext(ctx, "snapshot read failed, rebuilding",
				slog.String("projection", def.Name),
				slog.String("error", err.Error()),
			)
		} else if raw != nil {
			var env envelope
			if err := cbor.Unmarshal(raw, &env); err != nil {
				logger.WarnContext(ctx, "snapshot decode failed, rebuilding",
					slog.String("projection", def.Name),
					slog.String("error", err.Error()),
				)
			} else if err := cbor.Unmarshal(env.State, &state); err != nil {
				logger.WarnContext(ctx, "snapshot state decode failed, rebuilding",
					slog.String("projection", def.Name),
					slog.String("error", err.Error()),
				)
				state = def.Init()
			} else {
				watermark = env.Watermark
				hit = true
			}
		}
	}
	deps.Metrics.RecordSnapshot(ctx, def.Name, hit)

	q := def.Query
	if watermark != "" && (q.After == "" || watermark > q.After) {
		q.After = watermark
	}
	events, err := deps.Store.Read(ctx, q)
	if err != nil {
		var zero S
		return zero, anomaly.FromError(err)
	}

	includeTx := false
	for _, t := range q.Types {
		if t == grain.TxEventType {
			includeTx = true
			break
		}
	}

	count := 0
	for _, e := range events {
		if e.IsTx() && !includeTx {
			continue
		}
		state = def.Fold(state, e)
		watermark = e.ID
		count++
	}

	if deps.Cache != nil && (!hit || count >= WritebackThreshold) {
		writeSnapshot(ctx, deps.Cache, logger, def.Name, key, state, watermark)
	}
	return state, nil
}

func writeSnapshot[S any](ctx context.Context, cache kv.Store, logger *slog.Logger, name string, key []byte, state S, watermark string) {
	stateBytes, err := cbor.Marshal(state)
	if err != nil {
		logger.WarnContext(ctx, "snapshot encode failed",
			slog.String("projection", name),
			slog.String("error", err.Error()),
		)
		return
	}
	raw, err := cbor.Marshal(envelope{Watermark: watermark, State: stateBytes})
	if err != nil {
		logger.WarnContext(ctx, "snapshot encode failed",
			slog.String("projection", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := cache.Put(key, raw); err != nil {
		logger.WarnContext(ctx, "snapshot write failed",
			slog.String("projection", name),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate drops the snapshot for a projection. The next Project call
// rebuilds from the full log; the returned state is unchanged by
// construction.
func Invalidate(cache kv.Store, name string, version int) error {
	return cache.Delete(Key(name, version))
}
