package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// MemStore is an in-memory document store. It implements the same iteration
// and cursor semantics as the postgres store and is used by unit tests and
// for local development without a database.
type MemStore struct {
	mutex sync.RWMutex
	kinds map[string]map[int64][]byte
	next  map[string]int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		kinds: map[string]map[int64][]byte{},
		next:  map[string]int64{},
	}
}

// GenerateKey allocates the next identifier for the kind.
func (m *MemStore) GenerateKey(ctx context.Context, kind string) (Key, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.next[kind]++
	return Key{Kind: kind, ID: m.next[kind]}, nil
}

// Get reads the document for key into dst.
func (m *MemStore) Get(ctx context.Context, key Key, dst interface{}) error {
	m.mutex.RLock()
	data, ok := m.kinds[key.Kind][key.ID]
	m.mutex.RUnlock()
	if !ok {
		return ErrNoSuchEntity
	}
	return json.Unmarshal(data, dst)
}

// Put creates or overwrites the document for key.
func (m *MemStore) Put(ctx context.Context, key Key, src interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	docs, ok := m.kinds[key.Kind]
	if !ok {
		docs = map[int64][]byte{}
		m.kinds[key.Kind] = docs
	}
	docs[key.ID] = data
	// keys written with an externally derived identifier must not collide
	// with generated ones
	if key.ID > m.next[key.Kind] {
		m.next[key.Kind] = key.ID
	}
	return nil
}

// Delete removes the document for key.
func (m *MemStore) Delete(ctx context.Context, key Key) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.kinds[key.Kind][key.ID]; !ok {
		return ErrNoSuchEntity
	}
	delete(m.kinds[key.Kind], key.ID)
	return nil
}

// Run executes a query. Documents iterate in ascending key order unless
// q.Order names a field to sort by. Cursor pagination is only supported for
// key-ordered queries.
func (m *MemStore) Run(ctx context.Context, q Query) (*Result, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]int64, 0, len(m.kinds[q.Kind]))
	for id := range m.kinds[q.Kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	type row struct {
		id   int64
		data []byte
		doc  map[string]interface{}
	}
	var rows []row
	for _, id := range ids {
		data := m.kinds[q.Kind][id]
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if !matchesFilters(doc, q.Filters) {
			continue
		}
		rows = append(rows, row{id: id, data: data, doc: doc})
	}

	if q.Order != "" {
		if q.Cursor != "" {
			return nil, fmt.Errorf("store: cursor pagination requires key order")
		}
		field := q.Order
		sort.SliceStable(rows, func(i, j int) bool {
			return fmt.Sprint(rows[i].doc[field]) < fmt.Sprint(rows[j].doc[field])
		})
	}

	start := 0
	if q.Cursor != "" {
		after, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		for start < len(rows) && rows[start].id <= after {
			start++
		}
	}

	end := len(rows)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	result := &Result{More: end < len(rows)}
	for _, r := range rows[start:end] {
		result.Keys = append(result.Keys, Key{Kind: q.Kind, ID: r.id})
		if !q.KeysOnly {
			result.Items = append(result.Items, r.data)
		}
	}
	if result.More {
		result.NextCursor = EncodeCursor(rows[end-1].id)
	}
	return result, nil
}

func matchesFilters(doc map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		value, ok := doc[f.Field]
		if !ok {
			return false
		}
		if fmt.Sprint(value) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}
