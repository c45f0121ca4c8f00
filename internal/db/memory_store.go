package db

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used for local runs (DATASTORE=memory)
// and tests. All operations serialize on one lock, so its transactions and
// batches are trivially atomic.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]interface{}
	calls       atomic.Int64

	// CommitErr, when set, fails every batch commit without applying it.
	CommitErr   error
	commitsLeft int
	// QueryErr fails queries against the named collections.
	QueryErr map[string]error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]map[string]map[string]interface{}{},
		QueryErr:    map[string]error{},
	}
}

// FailCommitsAfter lets the next n non-empty batch commits through and fails
// every later one with err.
func (m *MemoryStore) FailCommitsAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitsLeft = n
	m.CommitErr = err
}

func (m *MemoryStore) commitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr == nil {
		return nil
	}
	if m.commitsLeft > 0 {
		m.commitsLeft--
		return nil
	}
	return m.CommitErr
}

// Calls returns the number of store operations performed so far.
func (m *MemoryStore) Calls() int64 { return m.calls.Load() }

// Len returns the number of documents in collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

func (m *MemoryStore) coll(name string) map[string]map[string]interface{} {
	c, ok := m.collections[name]
	if !ok {
		c = map[string]map[string]interface{}{}
		m.collections[name] = c
	}
	return c
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (*Document, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return &Document{ID: id, Data: copyMap(data)}, nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]*Document, error) {
	m.calls.Add(1)
	if err := m.QueryErr[q.Collection]; err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.collections[q.Collection]))
	for id := range m.collections[q.Collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var docs []*Document
	for _, id := range ids {
		if q.StartAfter != "" && id <= q.StartAfter {
			continue
		}
		data := m.collections[q.Collection][id]
		if !matchesAll(data, q.Filters) {
			continue
		}
		docs = append(docs, &Document{ID: id, Data: copyMap(data)})
		if q.Limit > 0 && len(docs) == q.Limit {
			break
		}
	}
	return docs, nil
}

func (m *MemoryStore) Set(_ context.Context, collection, id string, data map[string]interface{}) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(collection)[id] = copyMap(data)
	return nil
}

func (m *MemoryStore) Merge(_ context.Context, collection, id string, data map[string]interface{}) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merge(collection, id, data)
	return nil
}

func (m *MemoryStore) merge(collection, id string, data map[string]interface{}) {
	c := m.coll(collection)
	existing, ok := c[id]
	if !ok {
		existing = map[string]interface{}{}
		c[id] = existing
	}
	deepMerge(existing, copyMap(data))
}

func (m *MemoryStore) Update(_ context.Context, collection, id string, fields map[string]interface{}) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(collection, id, fields)
}

func (m *MemoryStore) update(collection, id string, fields map[string]interface{}) error {
	data, ok := m.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for path, v := range fields {
		setPath(data, path, normalize(v))
	}
	return nil
}

func (m *MemoryStore) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	id := m.NewID(collection)
	return id, m.Set(ctx, collection, id, data)
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *MemoryStore) NewID(string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (m *MemoryStore) Transact(_ context.Context, collection, id string, fn TxFunc) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *Document
	if data, ok := m.collections[collection][id]; ok {
		current = &Document{ID: id, Data: copyMap(data)}
	}
	data, err := fn(current)
	if err != nil {
		return fmt.Errorf("transaction on %s/%s: %w", collection, id, err)
	}
	if data != nil {
		m.merge(collection, id, data)
	}
	return nil
}

func (m *MemoryStore) Batch() Batch {
	return &memoryBatch{store: m}
}

type memoryWrite struct {
	kind       string
	collection string
	id         string
	data       map[string]interface{}
}

type memoryBatch struct {
	store  *MemoryStore
	writes []memoryWrite
}

func (b *memoryBatch) Set(collection, id string, data map[string]interface{}) {
	b.writes = append(b.writes, memoryWrite{"set", collection, id, copyMap(data)})
}

func (b *memoryBatch) Merge(collection, id string, data map[string]interface{}) {
	b.writes = append(b.writes, memoryWrite{"merge", collection, id, copyMap(data)})
}

func (b *memoryBatch) Update(collection, id string, fields map[string]interface{}) {
	b.writes = append(b.writes, memoryWrite{"update", collection, id, copyMap(fields)})
}

func (b *memoryBatch) Delete(collection, id string) {
	b.writes = append(b.writes, memoryWrite{"delete", collection, id, nil})
}

func (b *memoryBatch) Len() int { return len(b.writes) }

// Commit validates every write first so a failing batch leaves no trace.
func (b *memoryBatch) Commit(context.Context) error {
	m := b.store
	m.calls.Add(1)
	if len(b.writes) == 0 {
		return nil
	}
	if err := m.commitErr(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	if len(b.writes) > MaxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds limit of %d", len(b.writes), MaxBatchWrites)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := map[string]bool{}
	for _, w := range b.writes {
		key := w.collection + "/" + w.id
		switch w.kind {
		case "set", "merge":
			pending[key] = true
		case "delete":
			pending[key] = false
		case "update":
			_, exists := m.collections[w.collection][w.id]
			if created, seen := pending[key]; seen {
				exists = created
			}
			if !exists {
				return fmt.Errorf("failed to commit batch: %s: %w", key, ErrNotFound)
			}
		}
	}
	for _, w := range b.writes {
		switch w.kind {
		case "set":
			m.coll(w.collection)[w.id] = w.data
		case "merge":
			m.merge(w.collection, w.id, w.data)
		case "update":
			_ = m.update(w.collection, w.id, w.data)
		case "delete":
			delete(m.collections[w.collection], w.id)
		}
	}
	return nil
}

// normalize converts values to the shapes Firestore hands back on read.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC()
	}
	return v
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sm, ok := v.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func setPath(data map[string]interface{}, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchesAll(data map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		v, ok := lookupPath(data, f.Path)
		if !ok {
			return false
		}
		if !matches(v, f.Op, normalize(f.Value)) {
			return false
		}
	}
	return true
}

func matches(v interface{}, op string, want interface{}) bool {
	if op == OpIn {
		rv := reflect.ValueOf(want)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if c, ok := compare(v, normalize(rv.Index(i).Interface())); ok && c == 0 {
				return true
			}
		}
		return false
	}
	c, ok := compare(v, want)
	if !ok {
		return op == OpNotEqual
	}
	switch op {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

// compare orders two values of the same kind; ok is false for mixed kinds.
func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, a == nil && b == nil
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		if !x {
			return -1, true
		}
		return 1, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	xf, ok1 := toFloat(a)
	yf, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case xf < yf:
		return -1, true
	case xf > yf:
		return 1, true
	}
	return 0, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
