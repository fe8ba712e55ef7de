package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: record not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// If Driver is empty or "memory", records live only for the process lifetime.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the settings model and the dispatcher.
//
// Records are opaque blobs keyed by namespace; the settings package owns
// their shape.
type Store interface {
	GetRecord(ctx context.Context, namespace string) ([]byte, error)
	PutRecord(ctx context.Context, namespace string, data []byte) error

	AppendDispatch(ctx context.Context, e DispatchEntry) error
	// RecentDispatches returns up to limit entries, newest first.
	RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error)

	Close() error
}

// DispatchEntry records one scheduler cycle outcome.
// Keep it compact and schema-stable.
type DispatchEntry struct {
	At       time.Time `json:"at"`
	CycleID  string    `json:"cycle_id"`
	Cycle    int       `json:"cycle"`
	Seconds  int       `json:"seconds"`
	Mode     string    `json:"mode"`   // direct | delegated
	Status   string    `json:"status"` // sent | skipped | failed
	Text     string    `json:"text,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	ChatID   int64     `json:"chat_id,omitempty"`
	ThreadID int       `json:"thread_id,omitempty"`
}
