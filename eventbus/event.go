// Package eventbus implements the Event Bus and Event Bus System: a
// pattern-routed, optionally-queued publish/subscribe core with bounded
// history. Handlers are invoked synchronously on the emitting goroutine,
// outside the per-bus mutex that guards bookkeeping; handler calls from
// concurrent Emit calls on one bus are not serialized against each other.
package eventbus

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event is the in-process wire shape: {id, name, data, timestamp,
// metadata}. Immutable once constructed.
type Event struct {
	ID        string
	Name      string
	Data      any
	Timestamp time.Time
	Metadata  map[string]any
}

func newEvent(name string, data any, metadata map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// eventSource is the CloudEvents "source" attribute used for every event
// this bus converts; it identifies the process, not an individual event.
const eventSource = "com.corekit.eventbus"

// ToCloudEvent converts Event to a CloudEvents envelope for external
// observers. This never changes in-process delivery semantics — it exists
// purely as a standards-based export format (SPEC_FULL.md §4).
func (e Event) ToCloudEvent() (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(e.ID)
	ce.SetSource(eventSource)
	ce.SetType("com.corekit." + e.Name)
	ce.SetTime(e.Timestamp)
	for k, v := range e.Metadata {
		if s, ok := v.(string); ok {
			ce.SetExtension(k, s)
		}
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, e.Data); err != nil {
		return cloudevents.Event{}, err
	}
	return ce, nil
}

// FromCloudEvent converts a CloudEvents envelope back into an Event. The
// event Name is recovered by trimming the "com.corekit." type prefix this
// package's own ToCloudEvent adds; events from other sources keep their
// full type string as Name.
func FromCloudEvent(ce cloudevents.Event) Event {
	name := ce.Type()
	const prefix = "com.corekit."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	var data any
	_ = ce.DataAs(&data)
	return Event{
		ID:        ce.ID(),
		Name:      name,
		Data:      data,
		Timestamp: ce.Time(),
		Metadata:  map[string]any{},
	}
}
