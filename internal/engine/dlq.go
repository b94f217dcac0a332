package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftlabs/flowengine/internal/domain"
)

// DLQEntry captures a terminally-failed node execution with enough context
// for post-mortem and retry.
type DLQEntry struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName"`
	NodeID       string          `json:"nodeId"`
	State        domain.State    `json:"state"`
	Input        domain.State    `json:"input"`
	Error        domain.ErrorInfo `json:"error"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Tags         []string        `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastAttempt  *time.Time      `json:"lastAttempt,omitempty"`
}

// DLQFilter narrows List/Count queries.
type DLQFilter struct {
	WorkflowID   string
	WorkflowName string
	NodeID       string
	MinAttempts  int
	MaxAttempts  int
	CreatedAfter *time.Time
	CreatedBefore *time.Time
	Tags         []string // all-of
	Offset       int
	Limit        int
}

func (f DLQFilter) matches(e *DLQEntry) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.WorkflowName != "" && e.WorkflowName != f.WorkflowName {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.MinAttempts > 0 && e.Attempts < f.MinAttempts {
		return false
	}
	if f.MaxAttempts > 0 && e.Attempts > f.MaxAttempts {
		return false
	}
	if f.CreatedAfter != nil && e.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && e.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range e.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DefaultDLQRetention is the fallback entry lifetime applied when a caller's
// Add doesn't set ExpiresAt, keeping the documented invariant
// expiresAt > createdAt instead of leaving entries permanent.
const DefaultDLQRetention = 30 * 24 * time.Hour

// DLQStore is implemented by both the in-memory and file-backed DLQs.
type DLQStore interface {
	Add(entry DLQEntry) (string, error)
	Get(id string) (*DLQEntry, error)
	List(filter DLQFilter) ([]DLQEntry, error)
	Count(filter DLQFilter) (int, error)
	Retry(id string) (*DLQEntry, error)
	Remove(id string) error
	Clear() error
}

// MemoryDLQ is the in-memory DLQStore with a TTL sweep.
type MemoryDLQ struct {
	mu      sync.RWMutex
	entries map[string]*DLQEntry
}

// NewMemoryDLQ creates an empty in-memory dead-letter queue.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{entries: map[string]*DLQEntry{}}
}

func (q *MemoryDLQ) Add(entry DLQEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.CreatedAt.Add(DefaultDLQRetention)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := entry
	q.entries[entry.ID] = &cp
	return entry.ID, nil
}

func (q *MemoryDLQ) Get(id string) (*DLQEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "dlq entry not found: "+id, nil)
	}
	cp := *e
	return &cp, nil
}

func (q *MemoryDLQ) List(filter DLQFilter) ([]DLQEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return listFiltered(q.entries, filter), nil
}

func listFiltered(entries map[string]*DLQEntry, filter DLQFilter) []DLQEntry {
	now := time.Now()
	matched := make([]DLQEntry, 0, len(entries))
	for _, e := range entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			continue
		}
		if filter.matches(e) {
			matched = append(matched, *e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

func (q *MemoryDLQ) Count(filter DLQFilter) (int, error) {
	list, _ := q.List(DLQFilter{WorkflowID: filter.WorkflowID, WorkflowName: filter.WorkflowName, NodeID: filter.NodeID, MinAttempts: filter.MinAttempts, MaxAttempts: filter.MaxAttempts, CreatedAfter: filter.CreatedAfter, CreatedBefore: filter.CreatedBefore, Tags: filter.Tags})
	return len(list), nil
}

func (q *MemoryDLQ) Retry(id string) (*DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "dlq entry not found: "+id, nil)
	}
	e.Attempts++
	now := time.Now()
	e.LastAttempt = &now
	cp := *e
	return &cp, nil
}

func (q *MemoryDLQ) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *MemoryDLQ) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = map[string]*DLQEntry{}
	return nil
}

// Sweep deletes every entry whose ExpiresAt has passed.
func (q *MemoryDLQ) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for id, e := range q.entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			delete(q.entries, id)
		}
	}
}

// FileDLQ persists one JSON document per entry under dir/<id>.json, per the
// §6 default DLQ file layout.
type FileDLQ struct {
	mu  sync.Mutex
	dir string
}

// NewFileDLQ creates a file-backed DLQ rooted at dir, creating it if absent.
func NewFileDLQ(dir string) (*FileDLQ, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileDLQ{dir: dir}, nil
}

func (q *FileDLQ) path(id string) string { return filepath.Join(q.dir, id+".json") }

func (q *FileDLQ) Add(entry DLQEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.CreatedAt.Add(DefaultDLQRetention)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return entry.ID, q.write(&entry)
}

func (q *FileDLQ) write(e *DLQEntry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.path(e.ID), data, 0o644)
}

func (q *FileDLQ) read(id string) (*DLQEntry, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewDomainError(domain.ErrCodeNotFound, "dlq entry not found: "+id, nil)
		}
		return nil, err
	}
	var e DLQEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *FileDLQ) Get(id string) (*DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(id)
}

func (q *FileDLQ) all() (map[string]*DLQEntry, error) {
	files, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*DLQEntry, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		id := f.Name()[:len(f.Name())-len(filepath.Ext(f.Name()))]
		e, err := q.read(id)
		if err != nil {
			continue
		}
		out[id] = e
	}
	return out, nil
}

func (q *FileDLQ) List(filter DLQFilter) ([]DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.all()
	if err != nil {
		return nil, err
	}
	return listFiltered(entries, filter), nil
}

func (q *FileDLQ) Count(filter DLQFilter) (int, error) {
	list, err := q.List(filter)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (q *FileDLQ) Retry(id string) (*DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.read(id)
	if err != nil {
		return nil, err
	}
	e.Attempts++
	now := time.Now()
	e.LastAttempt = &now
	if err := q.write(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (q *FileDLQ) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := os.Remove(q.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (q *FileDLQ) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.all()
	if err != nil {
		return err
	}
	for id := range entries {
		_ = os.Remove(q.path(id))
	}
	return nil
}

// Sweep removes every on-disk entry whose ExpiresAt has passed.
func (q *FileDLQ) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.all()
	if err != nil {
		return
	}
	now := time.Now()
	for id, e := range entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			_ = os.Remove(q.path(id))
		}
	}
}
