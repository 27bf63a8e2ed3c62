package hil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"compass/pkg/logging"
)

// Kind discriminates the interaction forms.
type Kind string

const (
	KindAuthorization          Kind = "authorization"
	KindInput                  Kind = "input"
	KindReview                 Kind = "review"
	KindInputWithAuthorization Kind = "input_with_authorization"
)

// State is the request lifecycle state. Everything but StatePending is
// terminal.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateSubmitted State = "submitted"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("hil: request not found")
	// ErrAlreadyDecided is returned when deciding a request that already
	// reached a terminal state.
	ErrAlreadyDecided = errors.New("hil: request already decided")
	// ErrInvalidDecision is returned when the decision does not fit the
	// request kind.
	ErrInvalidDecision = errors.New("hil: decision not valid for request kind")
)

// decisions lists the terminal states a human may select per kind. Expired
// and cancelled are always reachable.
var decisions = map[Kind][]State{
	KindAuthorization:          {StateApproved, StateRejected},
	KindInput:                  {StateSubmitted},
	KindReview:                 {StateApproved, StateRejected},
	KindInputWithAuthorization: {StateApproved, StateRejected, StateSubmitted},
}

// Request is one human-in-the-loop interaction.
type Request struct {
	ID          string         `json:"request_id"`
	Kind        Kind           `json:"hil_type"`
	UserID      string         `json:"user_id"`
	ToolName    string         `json:"tool_name"`
	Action      string         `json:"action"`
	RiskLevel   string         `json:"risk_level,omitempty"`
	Options     []string       `json:"options"`
	Payload     map[string]any `json:"data,omitempty"`
	Fingerprint string         `json:"-"`
	State       State          `json:"state"`
	Input       string         `json:"input,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// Orchestrator holds live HIL requests in memory. It is safe for concurrent
// use.
type Orchestrator struct {
	mu          sync.Mutex
	byID        map[string]*Request
	pendingByFP map[string]string

	expiry time.Duration
	now    func() time.Time
}

// New creates an orchestrator with the given pending-request lifetime.
func New(expiry time.Duration) *Orchestrator {
	return &Orchestrator{
		byID:        make(map[string]*Request),
		pendingByFP: make(map[string]string),
		expiry:      expiry,
		now:         time.Now,
	}
}

// Fingerprint derives the dedupe key for a gated call. Arguments are
// canonicalized through JSON marshaling, which orders map keys, so
// semantically identical argument maps always produce the same key.
func Fingerprint(userID, toolName string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256([]byte(userID + "|" + toolName + "|" + string(canonical)))
	return hex.EncodeToString(sum[:])
}

// CreateSpec carries the caller-supplied fields for a new request.
type CreateSpec struct {
	Kind      Kind
	UserID    string
	ToolName  string
	Action    string
	RiskLevel string
	Options   []string
	Payload   map[string]any
	Args      map[string]any
}

// CreateOrGet files a new pending request, or returns the existing pending
// request with the same fingerprint. The second return reports whether a
// new request was created.
func (o *Orchestrator) CreateOrGet(spec CreateSpec) (*Request, bool) {
	fp := Fingerprint(spec.UserID, spec.ToolName, spec.Args)

	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	o.sweepLocked(now)

	if id, ok := o.pendingByFP[fp]; ok {
		if req := o.byID[id]; req != nil && req.State == StatePending {
			cp := *req
			return &cp, false
		}
	}

	req := &Request{
		ID:          uuid.NewString(),
		Kind:        spec.Kind,
		UserID:      spec.UserID,
		ToolName:    spec.ToolName,
		Action:      spec.Action,
		RiskLevel:   spec.RiskLevel,
		Options:     spec.Options,
		Payload:     spec.Payload,
		Fingerprint: fp,
		State:       StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(o.expiry),
	}
	if len(req.Options) == 0 {
		req.Options = defaultOptions(spec.Kind)
	}
	o.byID[req.ID] = req
	o.pendingByFP[fp] = req.ID
	logging.Info("HIL", "Created %s request %s for tool %s (user %s)", req.Kind, req.ID, req.ToolName, req.UserID)

	cp := *req
	return &cp, true
}

// Decide transitions a pending request to a terminal state chosen by the
// human. Terminal requests stay as they are.
func (o *Orchestrator) Decide(id string, decision State, input string) (*Request, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweepLocked(o.now())

	req, ok := o.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.State != StatePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, req.State)
	}
	if decision != StateCancelled && !decisionAllowed(req.Kind, decision) {
		return nil, fmt.Errorf("%w: %s on %s", ErrInvalidDecision, decision, req.Kind)
	}

	now := o.now()
	req.State = decision
	req.Input = input
	req.DecidedAt = &now
	delete(o.pendingByFP, req.Fingerprint)
	logging.Info("HIL", "Request %s decided: %s", id, decision)

	cp := *req
	return &cp, nil
}

// Get returns a request by id.
func (o *Orchestrator) Get(id string) (*Request, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweepLocked(o.now())

	req, ok := o.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

// HasGrant reports whether an unexpired approval exists for the identical
// (user, tool, arguments) fingerprint. Used by the router's HIGH-security
// gate.
func (o *Orchestrator) HasGrant(userID, toolName string, args map[string]any) bool {
	fp := Fingerprint(userID, toolName, args)

	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	for _, req := range o.byID {
		if req.Fingerprint != fp || req.State != StateApproved {
			continue
		}
		if req.Kind != KindAuthorization && req.Kind != KindInputWithAuthorization {
			continue
		}
		if now.Before(req.ExpiresAt) {
			return true
		}
	}
	return false
}

// List returns requests in the given state, newest first. An empty state
// returns everything.
func (o *Orchestrator) List(state State) []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweepLocked(o.now())

	var out []Request
	for _, req := range o.byID {
		if state != "" && req.State != state {
			continue
		}
		out = append(out, *req)
	}
	sortRequests(out)
	return out
}

// Run sweeps expired requests periodically until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			o.sweepLocked(o.now())
			o.mu.Unlock()
		}
	}
}

// sweepLocked expires overdue pending requests. Callers hold the lock.
func (o *Orchestrator) sweepLocked(now time.Time) {
	for _, req := range o.byID {
		if req.State == StatePending && now.After(req.ExpiresAt) {
			req.State = StateExpired
			decidedAt := req.ExpiresAt
			req.DecidedAt = &decidedAt
			delete(o.pendingByFP, req.Fingerprint)
			logging.Debug("HIL", "Request %s expired", req.ID)
		}
	}
}

func decisionAllowed(kind Kind, decision State) bool {
	for _, d := range decisions[kind] {
		if d == decision {
			return true
		}
	}
	return false
}

func defaultOptions(kind Kind) []string {
	switch kind {
	case KindAuthorization:
		return []string{"approve", "reject"}
	case KindInput:
		// Cancellation is always a valid decision regardless of kind.
		return []string{"submit", "cancel"}
	case KindReview:
		return []string{"approve", "reject"}
	case KindInputWithAuthorization:
		return []string{"approve", "reject", "submit"}
	default:
		return nil
	}
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
}
