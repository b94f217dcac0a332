// Package store implements spec §4.K (run store) and §4.O (checkpoint
// store persistence). Grounded on the teacher's storage package: MemoryRunStore
// mirrors memory.go's map-backed CRUD shape, BunRunStore mirrors
// bun_store.go's bun/pgdialect/pgdriver upsert pattern — narrowed to the
// single RunRecord entity this spec actually needs, rather than the
// teacher's Workflow/Execution/Event/Node/Edge/Trigger CRUD surface.
package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/riftlabs/flowengine/internal/domain"
)

// RunFilter narrows RunStore.List/Count queries per spec §6's read-only
// run-query surface. WorkflowID is accepted for interface parity with the
// spec's filter shape but, since this repo's domain model (unlike the
// teacher's) has no separate workflow-id concept from WorkflowName, it is
// matched against WorkflowName.
type RunFilter struct {
	WorkflowID    string
	WorkflowName  string
	Status        []domain.RunStatus
	Tags          []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Stats summarizes the run store per spec §4.K: counts by status and the
// average duration of completed runs only — per §9's fix to the source's
// all-runs average.
type Stats struct {
	Total              int
	ByStatus           map[domain.RunStatus]int
	AvgCompletedMillis float64
}

// RunStore persists RunRecord metadata and status transitions.
type RunStore interface {
	Save(ctx context.Context, run *domain.RunRecord) error
	Get(ctx context.Context, id string) (*domain.RunRecord, error)
	Update(ctx context.Context, id string, fn func(r *domain.RunRecord)) error
	List(ctx context.Context, filter RunFilter) ([]*domain.RunRecord, error)
	Count(ctx context.Context, filter RunFilter) (int, error)
	GetStats(ctx context.Context) (Stats, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

func matchesFilter(r *domain.RunRecord, f RunFilter) bool {
	name := f.WorkflowName
	if name == "" {
		name = f.WorkflowID
	}
	if name != "" && r.WorkflowName != name {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range r.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && r.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && r.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func paginate(runs []*domain.RunRecord, f RunFilter) []*domain.RunRecord {
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(runs) {
			return nil
		}
		runs = runs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(runs) {
		runs = runs[:f.Limit]
	}
	return runs
}

func computeStats(runs []*domain.RunRecord) Stats {
	st := Stats{ByStatus: map[domain.RunStatus]int{}}
	var totalMillis float64
	var completedCount int
	for _, r := range runs {
		snap := r.Snapshot()
		st.Total++
		st.ByStatus[snap.Status]++
		if snap.Status == domain.RunCompleted && snap.CompletedAt != nil && !snap.StartedAt.IsZero() {
			totalMillis += float64(snap.CompletedAt.Sub(snap.StartedAt).Milliseconds())
			completedCount++
		}
	}
	if completedCount > 0 {
		st.AvgCompletedMillis = totalMillis / float64(completedCount)
	}
	return st
}

// MemoryRunStore is an in-memory RunStore, the default for tests and local
// development (no STORAGE_DSN configured).
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunRecord
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: map[string]*domain.RunRecord{}}
}

func (s *MemoryRunStore) Save(_ context.Context, run *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, id string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "run not found: "+id, nil)
	}
	return r, nil
}

func (s *MemoryRunStore) Update(_ context.Context, id string, fn func(r *domain.RunRecord)) error {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NewDomainError(domain.ErrCodeNotFound, "run not found: "+id, nil)
	}
	r.ForceMutate(fn)
	return nil
}

func (s *MemoryRunStore) List(_ context.Context, filter RunFilter) ([]*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		if matchesFilter(r, filter) {
			out = append(out, r)
		}
	}
	return paginate(out, filter), nil
}

func (s *MemoryRunStore) Count(ctx context.Context, filter RunFilter) (int, error) {
	list, err := s.List(ctx, RunFilter{WorkflowID: filter.WorkflowID, WorkflowName: filter.WorkflowName, Status: filter.Status, Tags: filter.Tags, CreatedAfter: filter.CreatedAfter, CreatedBefore: filter.CreatedBefore})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *MemoryRunStore) GetStats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*domain.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	return computeStats(runs), nil
}

// Cleanup removes runs in a terminal status whose CompletedAt is older than
// olderThan, per spec §4.K.
func (s *MemoryRunStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, r := range s.runs {
		snap := r.Snapshot()
		if snap.Status.IsTerminal() && snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed, nil
}

// runModel is the bun row shape for a RunRecord snapshot. Grounded on the
// teacher's bun_store.go WorkflowModel/ExecutionModel's flat-column +
// jsonb-state pattern.
type runModel struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	ID           string         `bun:"id,pk"`
	WorkflowName string         `bun:"workflow_name"`
	Status       string         `bun:"status"`
	State        map[string]any `bun:"state,type:jsonb"`
	Completed    []string       `bun:"completed,type:jsonb"`
	Failed       []string       `bun:"failed,type:jsonb"`
	Priority     int            `bun:"priority"`
	ScheduledFor time.Time      `bun:"scheduled_for"`
	Tags         []string       `bun:"tags,type:jsonb"`
	CreatedAt    time.Time      `bun:"created_at"`
	StartedAt    time.Time      `bun:"started_at"`
	CompletedAt  *time.Time     `bun:"completed_at"`
	ErrorName    string         `bun:"error_name"`
	ErrorMessage string         `bun:"error_message"`
	ParentRunID  string         `bun:"parent_run_id"`
	ParentNodeID string         `bun:"parent_node_id"`
	Depth        int            `bun:"depth"`
}

func toRunModel(r *domain.RunRecord) *runModel {
	snap := r.Snapshot()
	m := &runModel{
		ID:           snap.ID,
		WorkflowName: snap.WorkflowName,
		Status:       string(snap.Status),
		State:        map[string]any(snap.State),
		Priority:     snap.Priority,
		ScheduledFor: snap.ScheduledFor,
		Tags:         snap.Tags,
		CreatedAt:    snap.CreatedAt,
		StartedAt:    snap.StartedAt,
		CompletedAt:  snap.CompletedAt,
		ParentRunID:  snap.ParentRunID,
		ParentNodeID: snap.ParentNodeID,
		Depth:        snap.Depth,
	}
	for id := range snap.Completed {
		m.Completed = append(m.Completed, id)
	}
	for id := range snap.Failed {
		m.Failed = append(m.Failed, id)
	}
	if snap.Error != nil {
		m.ErrorName = snap.Error.Name
		m.ErrorMessage = snap.Error.Message
	}
	return m
}

func (m *runModel) toRunRecord() *domain.RunRecord {
	completed := map[string]bool{}
	for _, id := range m.Completed {
		completed[id] = true
	}
	failed := map[string]bool{}
	for _, id := range m.Failed {
		failed[id] = true
	}
	r := domain.NewRunRecord(m.ID, m.WorkflowName, domain.State(m.State), m.Priority, m.ScheduledFor, m.Tags)
	r.ForceMutate(func(rr *domain.RunRecord) {
		rr.Status = domain.RunStatus(m.Status)
		rr.Completed = completed
		rr.Failed = failed
		rr.CreatedAt = m.CreatedAt
		rr.StartedAt = m.StartedAt
		rr.CompletedAt = m.CompletedAt
		rr.ParentRunID = m.ParentRunID
		rr.ParentNodeID = m.ParentNodeID
		rr.Depth = m.Depth
		if m.ErrorName != "" || m.ErrorMessage != "" {
			rr.Error = &domain.ErrorInfo{Name: m.ErrorName, Message: m.ErrorMessage}
		}
	})
	return r
}

// BunRunStore is the Postgres-backed RunStore, grounded on bun_store.go's
// ON-CONFLICT-upsert idiom.
type BunRunStore struct {
	db *bun.DB
}

// NewBunRunStore opens a bun.DB against dsn using pgdriver/pgdialect,
// matching the teacher's NewBunStore constructor exactly.
func NewBunRunStore(dsn string) *BunRunStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &BunRunStore{db: db}
}

// InitSchema creates the runs table if absent.
func (s *BunRunStore) InitSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*runModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func (s *BunRunStore) Save(ctx context.Context, run *domain.RunRecord) error {
	m := toRunModel(run)
	_, err := s.db.NewInsert().Model(m).On("CONFLICT (id) DO UPDATE").Exec(ctx)
	return err
}

func (s *BunRunStore) Get(ctx context.Context, id string) (*domain.RunRecord, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "run not found: "+id, err)
	}
	return m.toRunRecord(), nil
}

func (s *BunRunStore) Update(ctx context.Context, id string, fn func(r *domain.RunRecord)) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	r.ForceMutate(fn)
	return s.Save(ctx, r)
}

func (s *BunRunStore) List(ctx context.Context, filter RunFilter) ([]*domain.RunRecord, error) {
	var models []*runModel
	q := s.db.NewSelect().Model(&models)
	name := filter.WorkflowName
	if name == "" {
		name = filter.WorkflowID
	}
	if name != "" {
		q = q.Where("workflow_name = ?", name)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN (?)", bun.In(statuses))
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *filter.CreatedBefore)
	}
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.RunRecord, 0, len(models))
	for _, m := range models {
		if len(filter.Tags) > 0 {
			r := m.toRunRecord()
			if !matchesFilter(r, RunFilter{Tags: filter.Tags}) {
				continue
			}
			out = append(out, r)
			continue
		}
		out = append(out, m.toRunRecord())
	}
	return out, nil
}

func (s *BunRunStore) Count(ctx context.Context, filter RunFilter) (int, error) {
	list, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *BunRunStore) GetStats(ctx context.Context) (Stats, error) {
	var models []*runModel
	if err := s.db.NewSelect().Model(&models).Scan(ctx); err != nil {
		return Stats{}, err
	}
	runs := make([]*domain.RunRecord, len(models))
	for i, m := range models {
		runs[i] = m.toRunRecord()
	}
	return computeStats(runs), nil
}

func (s *BunRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.NewDelete().Model((*runModel)(nil)).
		Where("status IN (?)", bun.In([]string{string(domain.RunCompleted), string(domain.RunFailed), string(domain.RunCancelled)})).
		Where("completed_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
