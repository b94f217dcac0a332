// Package approval implements the human-approval gate store from spec §4.H:
// persisted requests, blocking-until-response watchers, and delegation.
// The watcher fan-out is grounded on the teacher's
// infrastructure/websocket/hub.go register/unregister/broadcast-channel
// idiom — a mutex serializes all mutation, and watchers are notified by
// invoking their callback after the lock is released, never by a shared
// lock handed to caller code.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftlabs/flowengine/internal/domain"
)

// Request mirrors spec §3's ApprovalRequest.
type Request struct {
	ID            string
	WorkflowID    string
	RunID         string
	NodeID        string
	Type          domain.ApprovalType
	Title         string
	Description   string
	Assignee      string
	Choices       []string
	Chain         []string
	CreatedAt     time.Time
	Timeout       time.Duration
	TimeoutAction domain.TimeoutAction

	Resolved bool
	Response *Response
}

// Response mirrors spec §3's ApprovalResponse. Decision holds a bool,
// string or float64 depending on the request Type, or nil for a delegation;
// a timeout approve/reject response carries true/false with TimedOut set.
type Response struct {
	RequestID      string
	Decision       any
	RespondedBy    string
	RespondedAt    time.Time
	Comment        string
	DelegatedTo    string
	DelegationReason string
	TimedOut       bool
}

// watcher is one registered onResponse callback.
type watcher struct {
	id string
	cb func(Response)
}

// Store owns the set of outstanding and resolved approval requests.
type Store struct {
	mu       sync.Mutex
	requests map[string]*Request
	watchers map[string][]watcher
}

// NewStore creates an empty approval store.
func NewStore() *Store {
	return &Store{requests: map[string]*Request{}, watchers: map[string][]watcher{}}
}

// CreateRequest stores req, minting an id if absent, and returns it.
func (s *Store) CreateRequest(req Request) *Request {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := req
	s.requests[cp.ID] = &cp
	return &cp
}

// GetPendingRequests filters unresolved requests by workflowID/assignee;
// empty strings match everything.
func (s *Store) GetPendingRequests(workflowID, assignee string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Resolved {
			continue
		}
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		if assignee != "" && r.Assignee != assignee {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// Get returns a copy of the request by id.
func (s *Store) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// DeleteRequest removes a request entirely (and its watchers).
func (s *Store) DeleteRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	delete(s.watchers, id)
}

// SubmitResponse atomically records resp against its request, marks it
// resolved (unless this is a delegation), and notifies every watcher.
//
// A response carrying Decision==nil and DelegatedTo set is a delegation: it
// rewrites the request's Assignee and re-notifies watchers of the
// delegation event without resolving the request — only a subsequent
// SubmitResponse with a real decision resolves it.
func (s *Store) SubmitResponse(resp Response) error {
	s.mu.Lock()
	req, ok := s.requests[resp.RequestID]
	if !ok {
		s.mu.Unlock()
		return domain.NewDomainError(domain.ErrCodeNotFound, "approval request not found: "+resp.RequestID, nil)
	}
	if req.Resolved {
		s.mu.Unlock()
		return nil // one winning response per request
	}

	if resp.Decision == nil && resp.DelegatedTo != "" {
		req.Assignee = resp.DelegatedTo
		s.mu.Unlock()
		s.notify(resp.RequestID, resp)
		return nil
	}

	req.Resolved = true
	cp := resp
	req.Response = &cp
	s.mu.Unlock()

	s.notify(resp.RequestID, resp)
	return nil
}

// OnResponse registers a watcher for requestID. If the request is already
// resolved, the callback fires on the next scheduled tick rather than
// synchronously, avoiding re-entrancy into the caller's registration frame
// (spec §9's explicit replication of the source's micro-cooperative-step
// behavior).
func (s *Store) OnResponse(requestID string, cb func(Response)) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if ok && req.Resolved {
		resp := *req.Response
		s.mu.Unlock()
		time.AfterFunc(0, func() { cb(resp) })
		return
	}
	s.watchers[requestID] = append(s.watchers[requestID], watcher{id: uuid.NewString(), cb: cb})
	s.mu.Unlock()
}

func (s *Store) notify(requestID string, resp Response) {
	s.mu.Lock()
	ws := append([]watcher(nil), s.watchers[requestID]...)
	s.mu.Unlock()
	for _, w := range ws {
		w.cb(resp)
	}
}

// ApplyTimeout synthesizes a response per req.TimeoutAction when the node
// executor's timer fires with no real response yet. Escalate keeps the
// request open and only emits onEscalate; approve/reject auto-resolve it.
func (s *Store) ApplyTimeout(req Request, onEscalate func(Request)) {
	switch req.TimeoutAction {
	case domain.TimeoutActionApprove:
		_ = s.SubmitResponse(Response{RequestID: req.ID, Decision: true, RespondedBy: "system:timeout", RespondedAt: time.Now(), TimedOut: true})
	case domain.TimeoutActionReject:
		_ = s.SubmitResponse(Response{RequestID: req.ID, Decision: false, RespondedBy: "system:timeout", RespondedAt: time.Now(), TimedOut: true})
	case domain.TimeoutActionEscalate:
		if onEscalate != nil {
			onEscalate(req)
		}
	}
}
