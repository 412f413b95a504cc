package grain

import (
	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/idgen"
	"github.com/plaenen/grain/pkg/schema"
)

// NextEventID returns a fresh UUIDv7 identifier strictly greater than
// after. UUIDv7 strings already sort by creation time; spinning on the
// generator covers clock regression and same-tick collisions so the
// store's strictly-increasing invariant holds unconditionally.
func NextEventID(after string) string {
	for {
		id := idgen.MustEventID()
		if id > after {
			return id
		}
	}
}

// StampBatch prepares an append batch: validates every event's body against
// its registered schema, assigns identifiers and timestamps where absent,
// and appends the trailing transaction marker. Returns the full batch to
// persist, the identifiers assigned to the input events, and the new high
// watermark (the marker's id).
//
// Backends share this so the schema, identifier and marker invariants
// cannot drift between them.
func StampBatch(events []*Event, lastID string, validate Validator) (batch []*Event, ids []string, newLast string, err error) {
	if validate != nil {
		for _, e := range events {
			if verr := validate(e.Type, e.Body); verr != nil {
				return nil, nil, lastID, verr
			}
		}
	}

	ids = make([]string, 0, len(events))
	newLast = lastID

	for _, e := range events {
		if e.ID == "" {
			e.ID = NextEventID(newLast)
		} else if e.ID <= newLast {
			return nil, nil, lastID, anomaly.Newf(anomaly.Conflict,
				"event id %s is not greater than the last appended id", e.ID)
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = Now()
		}
		newLast = e.ID
		ids = append(ids, e.ID)
	}

	marker := &Event{
		ID:        NextEventID(newLast),
		Type:      TxEventType,
		Timestamp: Now(),
		Body:      map[string]any{"events": len(events)},
	}
	newLast = marker.ID

	batch = make([]*Event, 0, len(events)+1)
	batch = append(batch, events...)
	batch = append(batch, marker)
	return batch, ids, newLast, nil
}

// RegistryValidator adapts a schema registry to the store's validator
// callable. Payloads with no registered schema pass.
func RegistryValidator(r *schema.Registry) Validator {
	if r == nil {
		return nil
	}
	return func(name string, payload map[string]any) error {
		s, ok := r.Lookup(name)
		if !ok {
			return nil
		}
		if explain := s.Validate(payload); explain != nil {
			return anomaly.Newf(anomaly.Incorrect, "invalid %s payload", name).
				WithExplain(explain)
		}
		return nil
	}
}
