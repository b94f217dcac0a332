package engine

import (
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
	hex "github.com/tmthrgd/go-hex"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/riftlabs/flowengine/internal/domain"
)

// IdempotencyRecord is the memoized outcome of one (workflow, node, input)
// triple.
type IdempotencyRecord struct {
	Key       string
	Result    domain.Patch
	Err       string // non-empty if the memoized outcome was an error
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IdempotencyKey hashes (workflowName, nodeID, input) into a hex digest
// using a non-cryptographic 64-bit hash (xxhash) over the input's canonical
// JSON encoding. A collision is the only failure mode here and is
// acceptable given the record's TTL, per §4.C.
func IdempotencyKey(workflowName, nodeID string, input domain.State) (string, error) {
	canon, err := canonicalJSON(input)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.WriteString(workflowName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(nodeID)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canon)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), nil
}

// canonicalJSON sorts map keys (encoding/json already does this for
// map[string]any) so equal inputs always hash identically.
func canonicalJSON(v domain.State) ([]byte, error) {
	return json.Marshal(v)
}

// IdempotencyStore memoizes node results content-addressed by Key.
type IdempotencyStore struct {
	records *xsync.MapOf[string, IdempotencyRecord]
	ttl     time.Duration
}

// NewIdempotencyStore creates a store whose records expire after ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{records: xsync.NewMapOf[string, IdempotencyRecord](), ttl: ttl}
}

// Check reports whether key has a live (unexpired) record.
func (s *IdempotencyStore) Check(key string) (IdempotencyRecord, bool) {
	rec, ok := s.records.Load(key)
	if !ok {
		return IdempotencyRecord{}, false
	}
	if time.Now().After(rec.ExpiresAt) {
		s.records.Delete(key)
		return IdempotencyRecord{}, false
	}
	return rec, true
}

// Store writes a memoized success result, overwriting any prior record for
// key (last-writer-wins, since the node fn is assumed deterministic).
func (s *IdempotencyStore) Store(key string, result domain.Patch) {
	now := time.Now()
	s.records.Store(key, IdempotencyRecord{Key: key, Result: result, CreatedAt: now, ExpiresAt: now.Add(s.ttl)})
}

// StoreError memoizes a failed outcome so retries within TTL rethrow rather
// than re-invoke the node fn.
func (s *IdempotencyStore) StoreError(key string, err error) {
	now := time.Now()
	s.records.Store(key, IdempotencyRecord{Key: key, Err: err.Error(), CreatedAt: now, ExpiresAt: now.Add(s.ttl)})
}

// Sweep removes every expired record; intended to run on a ticker.
func (s *IdempotencyStore) Sweep() {
	now := time.Now()
	s.records.Range(func(key string, rec IdempotencyRecord) bool {
		if now.After(rec.ExpiresAt) {
			s.records.Delete(key)
		}
		return true
	})
}
