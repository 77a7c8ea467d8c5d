package server

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/fit"
)

// State is the state of a run or of one model within it.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ModelStatus is the progress of one model.
type ModelStatus struct {
	ID        int         `json:"id"`
	State     State       `json:"state"`
	Stage     string      `json:"stage,omitempty"`
	Stages    []string    `json:"stages"`
	BestCost  codec.Float `json:"bestCost"`
	StartTime *time.Time  `json:"startTime,omitempty"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RunStatus is a snapshot of a fit run.
type RunStatus struct {
	RunID     string        `json:"runId"`
	Name      string        `json:"name"`
	State     State         `json:"state"`
	Current   int           `json:"current,omitempty"` // model being fitted
	Models    []ModelStatus `json:"models"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Monitor tracks the progress of one fit run. It implements both
// run.Progress and fit.Observer, and forwards every change to the
// broadcaster for SSE clients.
type Monitor struct {
	mu          sync.RWMutex
	status      RunStatus
	index       map[int]int // model id -> position in status.Models
	broadcaster *EventBroadcaster
}

// NewMonitor creates a monitor for the run called name.
func NewMonitor(name string) *Monitor {
	return &Monitor{
		status: RunStatus{
			Name:      name,
			State:     StatePending,
			Models:    []ModelStatus{},
			StartTime: time.Now(),
		},
		index:       map[int]int{},
		broadcaster: NewEventBroadcaster(),
	}
}

// Broadcaster returns the event source of the monitor.
func (m *Monitor) Broadcaster() *EventBroadcaster { return m.broadcaster }

// Snapshot returns a copy of the current status.
func (m *Monitor) Snapshot() RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.status
	s.Models = make([]ModelStatus, len(m.status.Models))
	for i, ms := range m.status.Models {
		ms.Stages = slices.Clone(ms.Stages)
		s.Models[i] = ms
	}
	return s
}

// update applies fn under the lock and broadcasts ev afterwards.
func (m *Monitor) update(ev ProgressEvent, fn func(s *RunStatus)) {
	m.mu.Lock()
	fn(&m.status)
	ev.RunID = m.status.RunID
	ev.State = m.status.State
	m.mu.Unlock()

	ev.Timestamp = time.Now()
	m.broadcaster.Broadcast(ev)
}

func (m *Monitor) model(s *RunStatus, id int) *ModelStatus {
	i, ok := m.index[id]
	if !ok {
		s.Models = append(s.Models, ModelStatus{ID: id, State: StatePending, Stages: []string{}, BestCost: codec.Float(math.NaN())})
		i = len(s.Models) - 1
		m.index[id] = i
	}
	return &s.Models[i]
}

// RunStarted implements run.Progress.
func (m *Monitor) RunStarted(runID string, models []int) {
	m.update(ProgressEvent{Event: EventRunStarted}, func(s *RunStatus) {
		s.RunID = runID
		s.State = StateRunning
		for _, id := range models {
			m.model(s, id)
		}
	})
}

// ModelStarted implements run.Progress.
func (m *Monitor) ModelStarted(id int) {
	m.update(ProgressEvent{Event: EventModelStarted, Model: id}, func(s *RunStatus) {
		now := time.Now()
		ms := m.model(s, id)
		ms.State = StateRunning
		ms.StartTime = &now
		s.Current = id
	})
}

// ModelFinished implements run.Progress.
func (m *Monitor) ModelFinished(id int, cost float64, err error) {
	m.update(ProgressEvent{Event: EventModelFinished, Model: id, Cost: codec.Float(cost)}, func(s *RunStatus) {
		now := time.Now()
		ms := m.model(s, id)
		ms.EndTime = &now
		ms.Stage = ""
		if err != nil {
			ms.State = StateFailed
			ms.Error = err.Error()
			return
		}
		ms.State = StateCompleted
		if !math.IsNaN(cost) {
			ms.BestCost = codec.Float(cost)
		}
	})
}

// StageStarted implements fit.Observer.
func (m *Monitor) StageStarted(ev fit.StageEvent) {
	m.update(ProgressEvent{Event: EventStageStarted, Model: ev.Model, Stage: ev.Stage}, func(s *RunStatus) {
		m.model(s, ev.Model).Stage = ev.Stage
	})
}

// StageFinished implements fit.Observer.
func (m *Monitor) StageFinished(ev fit.StageEvent) {
	pe := ProgressEvent{
		Event:       EventStageFinished,
		Model:       ev.Model,
		Stage:       ev.Stage,
		Cost:        codec.Float(ev.Cost),
		Evaluations: ev.Evaluations,
	}
	m.update(pe, func(s *RunStatus) {
		ms := m.model(s, ev.Model)
		ms.Stages = append(ms.Stages, ev.Stage)
		ms.BestCost = codec.Float(ev.Cost)
	})
}

// Finish marks the run completed, or failed when err is not nil.
func (m *Monitor) Finish(err error) {
	m.update(ProgressEvent{Event: EventRunFinished}, func(s *RunStatus) {
		now := time.Now()
		s.EndTime = &now
		s.Current = 0
		if err != nil {
			s.State = StateFailed
			s.Error = err.Error()
			return
		}
		s.State = StateCompleted
	})
}
