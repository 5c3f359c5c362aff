package backend

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Row is a single record as returned by the backend. Values carry
// whatever types the JSON decoder produced, so all access goes through
// the tolerant accessors below.
type Row map[string]any

// Filter restricts a query or mutation to rows whose columns equal the
// given values. A slice value matches any element ("IN" semantics).
type Filter map[string]any

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a row-level mutation notification delivered on a
// subscription. Inserts carry New, deletes carry Old, updates carry both.
type ChangeEvent struct {
	Table string    `json:"table"`
	Type  EventType `json:"type"`
	Old   Row       `json:"old,omitempty"`
	New   Row       `json:"new,omitempty"`
}

// ActiveRow returns the row image that identifies the affected record:
// New for inserts and updates, Old for deletes.
func (e ChangeEvent) ActiveRow() Row {
	if e.Type == EventDelete {
		return e.Old
	}
	return e.New
}

type Querier interface {
	Query(ctx context.Context, table string, filter Filter) ([]Row, error)
}

type Mutator interface {
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) ([]Row, error)
	Delete(ctx context.Context, table string, filter Filter) ([]Row, error)
}

type Subscriber interface {
	Subscribe(table string, filter Filter) (*Subscription, error)
}

// Client is the full surface the reconciliation engine consumes.
type Client interface {
	Querier
	Mutator
}

func (r Row) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (r Row) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

func (r Row) Bool(key string) (bool, bool) {
	b, ok := r[key].(bool)
	return b, ok
}

func (r Row) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	default:
		return time.Time{}, false
	}
}

// BackendError is a typed failure from a query or mutation call.
// Transient errors (connectivity, 5xx) are safe to retry; the engine
// rolls back optimistic state either way.
type BackendError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

func NewTransportError(err error) *BackendError {
	return &BackendError{Message: "backend unreachable", Err: err}
}

func NewStatusError(statusCode int, message string) *BackendError {
	if message == "" {
		message = "backend request failed"
	}
	return &BackendError{StatusCode: statusCode, Message: message}
}
