package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want Bucket
	}{
		{0, BucketUnder10ms},
		{9 * time.Millisecond, BucketUnder10ms},
		{10 * time.Millisecond, BucketUnder50ms},
		{99 * time.Millisecond, BucketUnder100ms},
		{100 * time.Millisecond, BucketUnder500ms},
		{500 * time.Millisecond, BucketSlow},
		{3 * time.Second, BucketSlow},
	}
	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, BucketFor(tt.d))
		})
	}
}

func TestRecorder_Snapshot(t *testing.T) {
	// Given: a memory-only recorder
	r := NewRecorder(nil, DefaultConfig())

	// When: recording a mix of searches
	r.Record(Event{Query: "parse config", Terms: []string{"parse", "config"}, Results: 3, Sources: []string{"exact", "statistical"}, Latency: 5 * time.Millisecond})
	r.Record(Event{Query: "Parse  Config", Terms: []string{"parse", "config"}, Results: 2, Sources: []string{"semantic"}, Latency: 20 * time.Millisecond})
	r.Record(Event{Query: "nothing here", Terms: []string{"nothing"}, Results: 0, Latency: time.Millisecond})
	r.Record(Event{Query: "timeout", Failed: true})

	// Then: the aggregates reflect every event
	rep := r.Snapshot()
	assert.Equal(t, int64(4), rep.Queries())
	assert.Equal(t, int64(1), rep.Outcomes[OutcomeFailed])
	assert.Equal(t, int64(1), rep.Outcomes[OutcomeEmpty])
	assert.Equal(t, int64(1), rep.Outcomes[OutcomeRepeat], "case and spacing are normalized")
	assert.Equal(t, int64(2), rep.Latency[BucketUnder10ms])
	assert.Equal(t, int64(1), rep.Latency[BucketUnder50ms])
	assert.Equal(t, int64(1), rep.Sources["exact"])
	assert.Equal(t, int64(1), rep.Sources["semantic"])
	assert.Equal(t, []string{"nothing here"}, rep.ZeroResults)
	require.Len(t, rep.TopTerms, 3)
	assert.Equal(t, TermCount{Term: "config", Count: 2}, rep.TopTerms[0])
	assert.Equal(t, TermCount{Term: "parse", Count: 2}, rep.TopTerms[1])
	assert.InDelta(t, 0.25, rep.ZeroResultRate(), 1e-9)
}

func TestRecorder_ZeroResultsBounded(t *testing.T) {
	r := NewRecorder(nil, Config{ZeroResults: 2})

	for _, q := range []string{"a", "b", "c"} {
		r.Record(Event{Query: q})
	}

	assert.Equal(t, []string{"c", "b"}, r.Snapshot().ZeroResults)
}

func TestRecorder_IgnoresEventsAfterClose(t *testing.T) {
	r := NewRecorder(nil, DefaultConfig())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	r.Record(Event{Query: "late", Results: 1})

	assert.Zero(t, r.Snapshot().Queries())
}

// memStore records each flush.
type memStore struct {
	adds []*Delta
	err  error
}

func (m *memStore) Add(_ context.Context, _ string, d *Delta) error {
	if m.err != nil {
		return m.err
	}
	m.adds = append(m.adds, d)
	return nil
}

func (m *memStore) Report(context.Context, string, string, int) (*Report, error) {
	return &Report{}, nil
}

func TestRecorder_FlushWritesDeltasOnce(t *testing.T) {
	// Given: a recorder with a store
	st := &memStore{}
	r := NewRecorder(st, DefaultConfig())
	r.Record(Event{Query: "one", Terms: []string{"one"}, Results: 1})

	// When: flushing twice with an event in between
	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Flush(context.Background()))
	r.Record(Event{Query: "two", Terms: []string{"two"}, Results: 1})
	require.NoError(t, r.Close())

	// Then: each event is written exactly once and empty flushes are skipped
	require.Len(t, st.adds, 2)
	assert.Equal(t, map[string]int64{"one": 1}, st.adds[0].Terms)
	assert.Equal(t, map[string]int64{"two": 1}, st.adds[1].Terms)
	assert.Equal(t, int64(1), st.adds[1].Outcomes[OutcomeQueries])
}

func TestRecorder_FailedFlushKeepsCounts(t *testing.T) {
	st := &memStore{err: errors.New("disk full")}
	r := NewRecorder(st, DefaultConfig())
	r.Record(Event{Query: "kept", Terms: []string{"kept"}})

	require.Error(t, r.Flush(context.Background()))
	st.err = nil
	require.NoError(t, r.Flush(context.Background()))

	require.Len(t, st.adds, 1)
	assert.Equal(t, int64(1), st.adds[0].Outcomes[OutcomeQueries])
	assert.Equal(t, []string{"kept"}, st.adds[0].ZeroResults)
}

func TestRecorder_FlushLoop(t *testing.T) {
	st := &lockedStore{}
	r := NewRecorder(st, Config{FlushInterval: 10 * time.Millisecond})
	defer func() { _ = r.Close() }()

	r.Record(Event{Query: "tick", Results: 1})

	assert.Eventually(t, func() bool { return st.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}
