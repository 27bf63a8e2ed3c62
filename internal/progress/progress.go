// Package progress tracks long-running operations and streams their updates.
//
// Producers start an operation, report progress in [0, 100] and finish with
// a terminal status. Every change is broadcast to the operation's
// subscribers over buffered channels; a subscriber that stops draining is
// dropped rather than allowed to stall the producer. Progress values are
// clamped so each subscriber observes a non-decreasing sequence.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"compass/pkg/logging"
)

// Status is the operation lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// subscriberBuffer is each subscriber channel's capacity. A subscriber this
// far behind is dropped.
const subscriberBuffer = 16

var (
	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = errors.New("progress: operation not found")
	// ErrTerminal is returned when updating a finished operation.
	ErrTerminal = errors.New("progress: operation already finished")
)

// Operation is the externally visible state of one long-running task.
type Operation struct {
	ID                 string   `json:"operation_id"`
	TaskType           string   `json:"task_type"`
	Progress           float64  `json:"progress"`
	Message            string   `json:"message,omitempty"`
	Status             Status   `json:"status"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	ElapsedSeconds     float64  `json:"elapsed_seconds"`
	EstimatedRemaining *float64 `json:"estimated_remaining,omitempty"`
	Output             string   `json:"output,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// Event is one broadcast message. Event is "progress" for updates, "done"
// for completed/cancelled, "error" for failed.
type Event struct {
	Event     string    `json:"event"`
	Operation Operation `json:"data"`
}

type tracked struct {
	op   Operation
	subs map[int]chan Event
	next int
}

// Service is the in-memory operation tracker and broadcaster.
type Service struct {
	mu  sync.Mutex
	ops map[string]*tracked
	now func() time.Time
}

// NewService creates an empty tracker.
func NewService() *Service {
	return &Service{
		ops: make(map[string]*tracked),
		now: time.Now,
	}
}

// Start registers a new running operation and returns its snapshot.
func (s *Service) Start(taskType string, estimatedSeconds *float64) Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	op := Operation{
		ID:                 uuid.NewString(),
		TaskType:           taskType,
		Status:             StatusRunning,
		StartedAt:          now,
		UpdatedAt:          now,
		EstimatedRemaining: estimatedSeconds,
	}
	s.ops[op.ID] = &tracked{op: op, subs: make(map[int]chan Event)}
	logging.Debug("Progress", "Started operation %s (%s)", op.ID, taskType)
	return op
}

// Update reports new progress. Values below the current progress are
// clamped up so subscribers see a monotonic sequence; values above 100 are
// clamped down.
func (s *Service) Update(id string, progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tr.op.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, tr.op.Status)
	}

	if progress < tr.op.Progress {
		progress = tr.op.Progress
	}
	if progress > 100 {
		progress = 100
	}
	s.touchLocked(tr, progress, message)
	s.broadcastLocked(tr, Event{Event: "progress", Operation: tr.op})
	return nil
}

// Complete finishes an operation successfully.
func (s *Service) Complete(id, output string) error {
	return s.finish(id, StatusCompleted, output, "")
}

// Fail finishes an operation with an error.
func (s *Service) Fail(id, errMsg string) error {
	return s.finish(id, StatusFailed, "", errMsg)
}

// Cancel finishes an operation as cancelled.
func (s *Service) Cancel(id string) error {
	return s.finish(id, StatusCancelled, "", "")
}

func (s *Service) finish(id string, status Status, output, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tr.op.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, tr.op.Status)
	}

	progress := tr.op.Progress
	if status == StatusCompleted {
		progress = 100
	}
	s.touchLocked(tr, progress, tr.op.Message)
	tr.op.Status = status
	tr.op.Output = output
	tr.op.Error = errMsg

	name := "done"
	if status == StatusFailed {
		name = "error"
	}
	s.broadcastLocked(tr, Event{Event: name, Operation: tr.op})

	// Terminal: close every subscriber after the final event.
	for key, ch := range tr.subs {
		close(ch)
		delete(tr.subs, key)
	}
	logging.Debug("Progress", "Operation %s finished: %s", id, status)
	return nil
}

// Get returns the current snapshot of an operation.
func (s *Service) Get(id string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tr.op, nil
}

// Subscribe attaches a listener to an operation. The returned cancel
// function detaches it; the channel closes after the terminal event (or on
// cancel). Subscribing to a finished operation yields the terminal event
// immediately and a closed channel.
func (s *Service) Subscribe(id string) (<-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.ops[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ch := make(chan Event, subscriberBuffer)
	if tr.op.Status != StatusRunning {
		name := "done"
		if tr.op.Status == StatusFailed {
			name = "error"
		}
		ch <- Event{Event: name, Operation: tr.op}
		close(ch)
		return ch, func() {}, nil
	}

	key := tr.next
	tr.next++
	tr.subs[key] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.ops[id]; ok {
			if sub, live := cur.subs[key]; live {
				delete(cur.subs, key)
				close(sub)
			}
		}
	}
	return ch, cancel, nil
}

// touchLocked updates the mutable progress fields.
func (s *Service) touchLocked(tr *tracked, progress float64, message string) {
	now := s.now()
	tr.op.Progress = progress
	tr.op.Message = message
	tr.op.UpdatedAt = now
	tr.op.ElapsedSeconds = now.Sub(tr.op.StartedAt).Seconds()
}

// broadcastLocked delivers an event to every subscriber; one that cannot
// keep up is dropped and its channel closed.
func (s *Service) broadcastLocked(tr *tracked, ev Event) {
	for key, ch := range tr.subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("Progress", "Dropping slow subscriber on operation %s", tr.op.ID)
			close(ch)
			delete(tr.subs, key)
		}
	}
}
