package stream

import (
	"context"
	"errors"
	"time"
)

// Entry is one stream record as seen by a consumer.
type Entry struct {
	ID     string
	Fields map[string]string
	// Deliveries is known only for reclaimed entries; 0 means first delivery via XREADGROUP.
	Deliveries int64
}

// Pending describes an entry delivered to some consumer but not yet acknowledged.
type Pending struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Queue - append-only лог с consumer groups (Redis Streams или память).
type Queue interface {
	// Append adds an entry, trimming the stream to roughly maxLen (0 = no cap).
	Append(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error)
	// EnsureGroup creates the group at the stream origin; an existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup returns up to count never-delivered entries, waiting at most block.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Pending lists entries idle for at least minIdle, oldest first.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]Pending, error)
	// Claim transfers ownership of idle entries to consumer and bumps their delivery counter.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)
	Len(ctx context.Context, stream string) (int64, error)
}

// Marks records which entries already produced their external side effect.
type Marks interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

var ErrNoGroup = errors.New("stream: consumer group does not exist")

// DeadLetterName is where entries go after too many deliveries.
func DeadLetterName(stream string) string {
	return stream + ":dead"
}
