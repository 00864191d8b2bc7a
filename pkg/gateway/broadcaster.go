package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog"
)

// EventLog is the log-forwarding event name.
const EventLog = "log"

// EventBroadcaster fans events out to authenticated clients. Every event
// carries a gateway-wide sequence number.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped fills type, sequence and timestamp and sends msg to every
// authenticated client.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	b.stamp(&msg)
	b.deliver(b.clients.Subscribers(), msg)
}

// BroadcastToClient sends msg to one client only.
func (b *EventBroadcaster) BroadcastToClient(clientID string, msg EventMessage) {
	client, ok := b.clients.Lookup(clientID)
	if !ok {
		return
	}
	b.stamp(&msg)
	b.deliver([]*Client{client}, msg)
}

// Emit broadcasts an event, tagging it with the run and session found in ctx.
func (b *EventBroadcaster) Emit(ctx context.Context, event string, data map[string]any) {
	b.BroadcastTyped(EventMessage{
		Event:   event,
		Data:    data,
		TraceID: tracing.GetTraceID(ctx),
		RunID:   tracing.GetRunID(ctx),
		Session: tracing.GetSessionKey(ctx),
	})
}

func (b *EventBroadcaster) stamp(msg *EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
}

func (b *EventBroadcaster) deliver(clients []*Client, msg EventMessage) {
	if len(clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.sendRaw(jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	if msg.Event != EventLog {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Int("success", len(clients)-failed).
			Int("failed", failed).
			Msg("Event broadcast complete")
	}
}

// LogForwarder is a zerolog.LevelWriter that republishes log records at or
// above a level as "log" events. Attach it to the process logger, never to
// the broadcaster's own logger.
type LogForwarder struct {
	broadcaster *EventBroadcaster
	min         zerolog.Level
}

// NewLogForwarder creates a forwarder for records at level min and above.
func NewLogForwarder(b *EventBroadcaster, min zerolog.Level) *LogForwarder {
	return &LogForwarder{broadcaster: b, min: min}
}

// Write implements io.Writer. Records without a level are dropped.
func (f *LogForwarder) Write(p []byte) (int, error) {
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (f *LogForwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min || level == zerolog.NoLevel {
		return len(p), nil
	}
	var record map[string]interface{}
	if err := json.Unmarshal(p, &record); err != nil {
		record = map[string]interface{}{"message": string(p)}
	}
	f.broadcaster.Broadcast(EventLog, record)
	return len(p), nil
}
