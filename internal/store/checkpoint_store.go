package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/riftlabs/flowengine/internal/engine"
)

// MemoryCheckpointStore is the default in-memory engine.CheckpointStore.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string]engine.Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{data: map[string]engine.Checkpoint{}}
}

func (s *MemoryCheckpointStore) Put(_ context.Context, runID string, snapshot engine.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runID] = snapshot
	return nil
}

func (s *MemoryCheckpointStore) Get(_ context.Context, runID string) (engine.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[runID]
	return cp, ok, nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

// checkpointModel stores a msgpack-encoded Checkpoint blob, per §4.O's
// choice of a compact binary encoding over JSON for frequent periodic
// writes — github.com/vmihailenco/msgpack/v5 is a teacher-declared
// dependency with no other home in this repo until this component.
type checkpointModel struct {
	bun.BaseModel `bun:"table:checkpoints,alias:c"`

	RunID     string    `bun:"run_id,pk"`
	Data      []byte    `bun:"data"`
	UpdatedAt time.Time `bun:"updated_at"`
}

// BunCheckpointStore is the Postgres-backed checkpoint store.
type BunCheckpointStore struct {
	db *bun.DB
}

// NewBunCheckpointStore wraps sqldb in bun using the same pgdialect
// convention as BunRunStore; callers typically share one *sql.DB between
// the two stores.
func NewBunCheckpointStore(sqldb *sql.DB) *BunCheckpointStore {
	return &BunCheckpointStore{db: bun.NewDB(sqldb, pgdialect.New())}
}

// InitSchema creates the checkpoints table if absent.
func (s *BunCheckpointStore) InitSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*checkpointModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func (s *BunCheckpointStore) Put(ctx context.Context, runID string, snapshot engine.Checkpoint) error {
	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	m := &checkpointModel{RunID: runID, Data: data, UpdatedAt: time.Now()}
	_, err = s.db.NewInsert().Model(m).On("CONFLICT (run_id) DO UPDATE").Exec(ctx)
	return err
}

func (s *BunCheckpointStore) Get(ctx context.Context, runID string) (engine.Checkpoint, bool, error) {
	m := new(checkpointModel)
	err := s.db.NewSelect().Model(m).Where("run_id = ?", runID).Scan(ctx)
	if err != nil {
		return engine.Checkpoint{}, false, nil
	}
	var cp engine.Checkpoint
	if err := msgpack.Unmarshal(m.Data, &cp); err != nil {
		return engine.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *BunCheckpointStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.NewDelete().Model((*checkpointModel)(nil)).Where("run_id = ?", runID).Exec(ctx)
	return err
}

// namespacedKey builds the sub-workflow checkpoint key — (parentRunID,
// parentNodeID) per spec §9's open-question resolution, keeping a child's
// checkpoint distinct from its own top-level run id.
func namespacedKey(parentRunID, parentNodeID string) string {
	return parentRunID + "::" + parentNodeID
}

// NamespacedKey exposes namespacedKey to internal/subworkflow.
func NamespacedKey(parentRunID, parentNodeID string) string { return namespacedKey(parentRunID, parentNodeID) }
