package kafka

import (
	"context"
	"errors"
	"time"
)

// ErrRevoked is returned by Commit when the record's partition left this
// member (rebalance or session end). Nothing was stored; the record is
// delivered again to the partition's next owner.
var ErrRevoked = errors.New("kafka: partition revoked; record not committed")

// Positions understood by ResolveOffset, matching the broker's special
// ListOffsets timestamps.
const (
	OffsetLatest   int64 = -1
	OffsetEarliest int64 = -2
)

// Record is one fetched log entry.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func (r *Record) Size() int { return len(r.Value) }

// EmitFunc receives every fetched record. It runs on the partition's fetch
// goroutine and must not block for long.
type EmitFunc func(*Record)

// RangeFunc is called when a partition's stored offset is no longer valid.
type RangeFunc func(topic string, partition int32)

type Adapter interface {
	Configure(Config) error
	Run(ctx context.Context, emit EmitFunc, onRange RangeFunc) error

	Pause()
	Resume()

	// Commit acknowledges rec. It returns nil only after the broker accepted
	// the resulting group offset (or a later commit already covers rec), and
	// ErrRevoked when rec no longer belongs to this member.
	Commit(ctx context.Context, rec *Record) error
	// CommitOffset stores offset for the group verbatim.
	CommitOffset(ctx context.Context, topic string, partition int32, offset int64) error

	ResolveOffset(ctx context.Context, topic string, partition int32, at int64) (int64, error)
	Seek(ctx context.Context, topic string, partition int32, offset int64) error

	Close(forceCommit bool) error
}
