// Package results stores the records written by the worker after each
// processed envelope and serves them back for polling.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mailqueue/contracts"
)

var (
	// ErrStoreClosed is returned by operations on a closed store
	ErrStoreClosed = errors.New("results: store is closed")

	// ErrUnknownBackend is returned by Open for an unsupported backend name
	ErrUnknownBackend = errors.New("results: unknown backend")
)

// Store is an append-only log of result records.
//
// Append skips a record whose id is already stored, so a delivery that is
// redelivered after its record was written does not produce a duplicate.
// List returns every record, oldest first.
type Store interface {
	Append(ctx context.Context, record contracts.ResultRecord) error
	List(ctx context.Context) ([]contracts.ResultRecord, error)
	Close() error
}

// Pinger is implemented by stores backed by a network service
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreError wraps a failed store operation
type StoreError struct {
	Backend   string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("results %s store: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, Err: err, Timestamp: time.Now()}
}

// Backend names accepted by Open
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendMongo = "mongo"
)

// Options selects and configures a backend for Open
type Options struct {
	Backend string

	FilePath string

	RedisURL       string
	RedisKeyPrefix string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// Open creates the store named by opts.Backend
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.FilePath), nil
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisURL, WithKeyPrefix(opts.RedisKeyPrefix))
	case BackendMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.MongoCollection)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
