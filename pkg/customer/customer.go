package customer

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("customer not found")

// Record is the part of an upstream customer profile the mailer reads.
// Fields holds free-form annotations; writes merge into it.
type Record struct {
	Ref    string
	Email  string
	Name   string
	Fields map[string]string
}

// Store is the customer-profile store. It never creates customers.
type Store interface {
	// Get returns nil, nil when the customer does not exist.
	Get(ctx context.Context, ref string) (*Record, error)
	// Annotate merges fields into the record, leaving other fields intact.
	Annotate(ctx context.Context, ref string, fields map[string]string) error
}

// ConditionalStore can apply an annotation atomically.
type ConditionalStore interface {
	Store
	// AnnotateUnless merges fields only if the current value of key is not
	// value. It reports whether the write happened.
	AnnotateUnless(ctx context.Context, ref, key, value string, fields map[string]string) (bool, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore(records ...Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string]*Record)}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a record, standing in for the upstream system.
func (s *MemoryStore) Put(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Ref] = clone(&r)
}

func (s *MemoryStore) Get(_ context.Context, ref string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[ref]
	if !ok {
		return nil, nil
	}
	return clone(r), nil
}

func (s *MemoryStore) Annotate(_ context.Context, ref string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[ref]
	if !ok {
		return ErrNotFound
	}
	merge(r, fields)
	return nil
}

func (s *MemoryStore) AnnotateUnless(_ context.Context, ref, key, value string, fields map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[ref]
	if !ok {
		return false, ErrNotFound
	}
	if r.Fields[key] == value {
		return false, nil
	}
	merge(r, fields)
	return true, nil
}

func merge(r *Record, fields map[string]string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		r.Fields[k] = v
	}
}

func clone(r *Record) *Record {
	c := *r
	c.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}
