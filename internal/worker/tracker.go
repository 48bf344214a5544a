package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pauser is the flow-control half of a consumer binding.
type Pauser interface {
	Pause()
	Resume()
}

// FetchMarker identifies an in-flight message inside its partition bucket.
type FetchMarker struct {
	Offset int64 `json:"offset"`
	Size   int   `json:"size"`
}

// FetchTracker owns the fetch window: one ordered marker set per
// "topic - partition" bucket. Consumption is paused on every delivery and
// resumed only when every bucket is empty again.
type FetchTracker struct {
	mu      sync.Mutex
	ctl     Pauser
	buckets map[string][]FetchMarker
	count   int
	log     *slog.Logger

	// onChange receives the in-flight count after every mutation.
	onChange func(int)
}

func NewFetchTracker(ctl Pauser, log *slog.Logger, onChange func(int)) *FetchTracker {
	if log == nil {
		log = slog.Default()
	}
	return &FetchTracker{ctl: ctl, buckets: make(map[string][]FetchMarker), log: log, onChange: onChange}
}

func bucketKey(topic string, partition int32) string {
	return fmt.Sprintf("%s - %d", topic, partition)
}

func (t *FetchTracker) OnFetched(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctl.Pause()
	key := bucketKey(msg.Topic, msg.Partition)
	m := FetchMarker{Offset: msg.Offset, Size: msg.Size}
	for _, have := range t.buckets[key] {
		if have == m {
			return
		}
	}
	t.buckets[key] = append(t.buckets[key], m)
	t.count++
	t.changedLocked()
}

// OnCommitted removes the message's marker and resumes consumption once the
// whole window is empty. It reports whether a marker was removed.
func (t *FetchTracker) OnCommitted(msg *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := bucketKey(msg.Topic, msg.Partition)
	m := FetchMarker{Offset: msg.Offset, Size: msg.Size}
	bucket := t.buckets[key]
	idx := -1
	for i, have := range bucket {
		if have == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	bucket = append(bucket[:idx], bucket[idx+1:]...)
	if len(bucket) == 0 {
		delete(t.buckets, key)
	} else {
		t.buckets[key] = bucket
	}
	t.count--
	t.changedLocked()

	if len(t.buckets) == 0 {
		t.log.Info("fetch window drained; resuming consumption", "topic", msg.Topic)
		t.ctl.Resume()
	}
	return true
}

func (t *FetchTracker) IsDrained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets) == 0
}

// ResumeIfDrained resumes consumption when nothing is in flight.
func (t *FetchTracker) ResumeIfDrained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buckets) != 0 {
		return false
	}
	t.ctl.Resume()
	return true
}

func (t *FetchTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Snapshot copies the window for diagnostics.
func (t *FetchTracker) Snapshot() map[string][]FetchMarker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *FetchTracker) snapshotLocked() map[string][]FetchMarker {
	out := make(map[string][]FetchMarker, len(t.buckets))
	for k, v := range t.buckets {
		out[k] = append([]FetchMarker(nil), v...)
	}
	return out
}

func (t *FetchTracker) changedLocked() {
	if t.onChange != nil {
		t.onChange(t.count)
	}
	if t.log.Enabled(context.Background(), slog.LevelDebug) {
		t.log.Debug("fetch window", "inflight", t.count, "buckets", t.snapshotLocked())
	}
}
