package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/strao1986/mixer/internal/codec"
)

// Progress event kinds.
const (
	EventRunStarted    = "run_started"
	EventModelStarted  = "model_started"
	EventStageStarted  = "stage_started"
	EventStageFinished = "stage_finished"
	EventModelFinished = "model_finished"
	EventRunFinished   = "run_finished"
	EventSnapshot      = "snapshot"
)

// ProgressEvent represents a progress update event
type ProgressEvent struct {
	RunID       string      `json:"runId"`
	Event       string      `json:"event"`
	State       State       `json:"state"`
	Model       int         `json:"model,omitempty"`
	Stage       string      `json:"stage,omitempty"`
	Cost        codec.Float `json:"cost,omitempty"`
	Evaluations int         `json:"nfev,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// EventBroadcaster fans progress events out to SSE clients.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[chan ProgressEvent]bool
	lastEvent *ProgressEvent // replayed to new clients
	closed    bool
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{clients: make(map[chan ProgressEvent]bool)}
}

// Subscribe adds a client. The channel is closed by Unsubscribe or Close.
func (eb *EventBroadcaster) Subscribe() chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16) // Buffered to prevent blocking
	if eb.closed {
		close(ch)
		return ch
	}
	eb.clients[ch] = true

	// Send last event if available (for reconnecting clients)
	if eb.lastEvent != nil {
		ch <- *eb.lastEvent
	}

	slog.Debug("SSE client subscribed", "total_clients", len(eb.clients))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.clients[ch] {
		delete(eb.clients, ch)
		close(ch)
	}
	slog.Debug("SSE client unsubscribed", "total_clients", len(eb.clients))
}

// Broadcast sends an event to every client without blocking. A client
// whose buffer is full misses the event.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent = &event
	for ch := range eb.clients {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "event", event.Event, "model", event.Model)
		}
	}
}

// Clients returns the number of subscribed clients.
func (eb *EventBroadcaster) Clients() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients)
}

// Close disconnects every client; later subscribers get a closed channel.
func (eb *EventBroadcaster) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients {
		close(ch)
	}
	eb.clients = make(map[chan ProgressEvent]bool)
	eb.closed = true
}

// handleRunStream handles GET /api/v1/run/stream
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "No run in progress", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventChan := s.monitor.Broadcaster().Subscribe()
	defer s.monitor.Broadcaster().Unsubscribe(eventChan)

	// Send initial event with current run state
	snap := s.monitor.Snapshot()
	initial := ProgressEvent{
		RunID:     snap.RunID,
		Event:     EventSnapshot,
		State:     snap.State,
		Model:     snap.Current,
		Timestamp: time.Now(),
	}
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected")
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// SSE format: "event: kind\ndata: {json}\n\n"
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
	return err
}
