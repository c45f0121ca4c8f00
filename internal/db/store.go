package db

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// MaxBatchWrites is the largest number of writes one batch may carry.
const MaxBatchWrites = 500

// Document is a stored document and its id.
type Document struct {
	ID   string
	Data map[string]interface{}
}

// Filter operators.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpIn           = "in"
)

// Filter restricts a query on one (possibly dotted) field path.
type Filter struct {
	Path  string
	Op    string
	Value interface{}
}

// Where is shorthand for a Filter.
func Where(path, op string, value interface{}) Filter {
	return Filter{Path: path, Op: op, Value: value}
}

// Query selects documents from one collection. When StartAfter is set the
// results are ordered by document id and begin after that id.
type Query struct {
	Collection string
	Filters    []Filter
	StartAfter string
	OrderByID  bool
	Limit      int
}

// TxFunc computes the fields to merge into a document from its current state.
// current is nil when the document does not exist. Returning nil data skips the write.
// The function may run more than once if the transaction is retried.
type TxFunc func(current *Document) (map[string]interface{}, error)

// Store is the durable record store. Single-document transactions and
// multi-document batches are its only consistency primitives.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, q Query) ([]*Document, error)
	// Set replaces the document.
	Set(ctx context.Context, collection, id string, data map[string]interface{}) error
	// Merge deep-merges data into the document, creating it if needed.
	Merge(ctx context.Context, collection, id string, data map[string]interface{}) error
	// Update writes dotted field paths into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error
	Add(ctx context.Context, collection string, data map[string]interface{}) (string, error)
	Delete(ctx context.Context, collection, id string) error
	NewID(collection string) string
	Batch() Batch
	Transact(ctx context.Context, collection, id string, fn TxFunc) error
}

// Batch accumulates writes and applies them atomically on Commit.
type Batch interface {
	Set(collection, id string, data map[string]interface{})
	Merge(collection, id string, data map[string]interface{})
	Update(collection, id string, fields map[string]interface{})
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}
