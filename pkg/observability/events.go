package observability

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies a control-plane event.
type EventType string

const (
	// Node events
	EventNodeProvisioned EventType = "node.provisioned"
	EventNodeReady       EventType = "node.ready"
	EventNodeDraining    EventType = "node.draining"
	EventNodeTerminated  EventType = "node.terminated"
	EventNodeLost        EventType = "node.lost"

	// Session events
	EventSessionRequested  EventType = "session.requested"
	EventSessionPlaced     EventType = "session.placed"
	EventSessionActive     EventType = "session.active"
	EventSessionTerminated EventType = "session.terminated"
	EventSessionFailed     EventType = "session.failed"

	// Scheduling events
	EventJobSubmitted     EventType = "scheduling.job_submitted"
	EventJobPlaced        EventType = "scheduling.job_placed"
	EventPlacementFailed  EventType = "scheduling.placement_failed"
	EventRequestRequeued  EventType = "scheduling.requeued"
	EventProvisionRetried EventType = "scheduling.provision_retried"

	// Gateway events
	EventConnectionOpened   EventType = "gateway.connection_opened"
	EventConnectionRejected EventType = "gateway.connection_rejected"
	EventConnectionClosed   EventType = "gateway.connection_closed"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ResourceID string `json:"resource_id,omitempty"` // node, session, or job id
	ActorID    string `json:"actor_id,omitempty"`    // owner or system component

	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

// EventStream keeps a bounded in-memory event history and fans events out to
// watchers. Every event is also written to the structured log.
type EventStream struct {
	logger   *zap.Logger
	maxSize  int
	mu       sync.RWMutex
	events   []Event
	watchers []chan Event
}

// NewEventStream creates an event stream retaining at most maxSize events.
func NewEventStream(maxSize int, logger *zap.Logger) *EventStream {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &EventStream{
		logger:  logger,
		maxSize: maxSize,
		events:  make([]Event, 0, maxSize),
	}
}

// Record appends an event, logs it, and notifies watchers.
func (es *EventStream) Record(event Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	es.events = append(es.events, event)
	if len(es.events) > es.maxSize {
		es.events = es.events[len(es.events)-es.maxSize:]
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	if event.ActorID != "" {
		fields = append(fields, zap.String("actor_id", event.ActorID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
		es.logger.Warn(event.Description, fields...)
	} else {
		es.logger.Info(event.Description, fields...)
	}

	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
			// watcher is slow; drop rather than block the control plane
		}
	}
}

// Recent returns up to limit most recent events, newest last.
func (es *EventStream) Recent(limit int) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if limit <= 0 || limit > len(es.events) {
		limit = len(es.events)
	}
	out := make([]Event, limit)
	copy(out, es.events[len(es.events)-limit:])
	return out
}

// Watch returns a channel receiving new events.
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)
	return ch
}

// Unwatch removes and closes a watcher channel.
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}
