// Package telemetry aggregates local search statistics: how many queries
// ran, how long they took, which sources contributed, the most frequent
// terms and the queries that found nothing. Nothing leaves the machine.
package telemetry

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Bucket is a latency histogram bucket.
type Bucket string

const (
	BucketUnder10ms  Bucket = "lt_10ms"
	BucketUnder50ms  Bucket = "lt_50ms"
	BucketUnder100ms Bucket = "lt_100ms"
	BucketUnder500ms Bucket = "lt_500ms"
	BucketSlow       Bucket = "ge_500ms"
)

// Buckets lists the latency buckets from fastest to slowest.
var Buckets = []Bucket{BucketUnder10ms, BucketUnder50ms, BucketUnder100ms, BucketUnder500ms, BucketSlow}

// BucketFor returns the bucket holding d.
func BucketFor(d time.Duration) Bucket {
	switch ms := d.Milliseconds(); {
	case ms < 10:
		return BucketUnder10ms
	case ms < 50:
		return BucketUnder50ms
	case ms < 100:
		return BucketUnder100ms
	case ms < 500:
		return BucketUnder500ms
	default:
		return BucketSlow
	}
}

// Outcome counter keys.
const (
	OutcomeQueries = "queries"
	OutcomeFailed  = "failed"
	OutcomeEmpty   = "zero_result"
	OutcomeRepeat  = "repeat"
)

// Event is one finished search.
type Event struct {
	Query   string
	Terms   []string // normalized query terms
	Results int
	Sources []string // match kinds present in the results
	Latency time.Duration
	Failed  bool
	At      time.Time
}

// TermCount is a query term and how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Report summarizes recorded searches.
type Report struct {
	Outcomes    map[string]int64 `json:"outcomes"`
	Latency     map[Bucket]int64 `json:"latency"`
	Sources     map[string]int64 `json:"sources"`
	TopTerms    []TermCount      `json:"top_terms"`
	ZeroResults []string         `json:"zero_results"` // newest first
	Since       time.Time        `json:"since"`
}

// Queries returns the number of searches in the report.
func (r *Report) Queries() int64 {
	return r.Outcomes[OutcomeQueries]
}

// ZeroResultRate returns the fraction of searches that found nothing.
func (r *Report) ZeroResultRate() float64 {
	if q := r.Queries(); q > 0 {
		return float64(r.Outcomes[OutcomeEmpty]) / float64(q)
	}
	return 0
}

// Store persists aggregates between processes.
type Store interface {
	// Add adds the counts of one flush to the totals of date (YYYY-MM-DD).
	Add(ctx context.Context, date string, d *Delta) error
	// Report sums the totals of the dates in [from, to].
	Report(ctx context.Context, from, to string, limit int) (*Report, error)
}

// Delta holds the counts gathered since the previous flush.
type Delta struct {
	Outcomes    map[string]int64
	Latency     map[Bucket]int64
	Sources     map[string]int64
	Terms       map[string]int64
	ZeroResults []string // oldest first
}

func newDelta() *Delta {
	return &Delta{
		Outcomes: make(map[string]int64),
		Latency:  make(map[Bucket]int64),
		Sources:  make(map[string]int64),
		Terms:    make(map[string]int64),
	}
}

func (d *Delta) empty() bool {
	return d.Outcomes[OutcomeQueries] == 0
}

// Config configures a Recorder.
type Config struct {
	TopTerms      int           // terms kept in memory and reported (default 50)
	ZeroResults   int           // zero-result queries kept (default 100)
	RecentQueries int           // queries remembered to detect repeats (default 500)
	FlushInterval time.Duration // 0 flushes only on Flush and Close
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{TopTerms: 50, ZeroResults: 100, RecentQueries: 500}
}

// Recorder aggregates events in memory and flushes them to an optional
// Store. It is safe for concurrent use.
type Recorder struct {
	cfg   Config
	store Store
	now   func() time.Time

	mu      sync.Mutex
	pending *Delta
	total   *Delta
	terms   *lru.Cache[string, int64]
	recent  *lru.Cache[string, struct{}]
	since   time.Time
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewRecorder creates a recorder. A nil store keeps everything in memory.
func NewRecorder(store Store, cfg Config) *Recorder {
	def := DefaultConfig()
	if cfg.TopTerms <= 0 {
		cfg.TopTerms = def.TopTerms
	}
	if cfg.ZeroResults <= 0 {
		cfg.ZeroResults = def.ZeroResults
	}
	if cfg.RecentQueries <= 0 {
		cfg.RecentQueries = def.RecentQueries
	}
	// sizes are positive so New cannot fail
	terms, _ := lru.New[string, int64](cfg.TopTerms * 4)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueries)

	r := &Recorder{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		pending: newDelta(),
		total:   newDelta(),
		terms:   terms,
		recent:  recent,
		since:   time.Now(),
	}
	if cfg.FlushInterval > 0 && store != nil {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.flushLoop()
	}
	return r
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	t := time.NewTicker(r.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = r.Flush(context.Background())
		case <-r.stop:
			return
		}
	}
}

// Record adds one search.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	key := strings.ToLower(strings.Join(strings.Fields(e.Query), " "))
	repeat := r.recent.Contains(key)
	r.recent.Add(key, struct{}{})

	for _, d := range []*Delta{r.pending, r.total} {
		d.Outcomes[OutcomeQueries]++
		if repeat {
			d.Outcomes[OutcomeRepeat]++
		}
		if e.Failed {
			d.Outcomes[OutcomeFailed]++
			continue
		}
		d.Latency[BucketFor(e.Latency)]++
		for _, s := range e.Sources {
			d.Sources[s]++
		}
		if e.Results == 0 {
			d.Outcomes[OutcomeEmpty]++
			d.ZeroResults = appendBounded(d.ZeroResults, e.Query, r.cfg.ZeroResults)
		}
	}
	if e.Failed {
		return
	}
	// totals for terms live in the bounded LRU only
	for _, t := range e.Terms {
		r.pending.Terms[t]++
		n, _ := r.terms.Peek(t)
		r.terms.Add(t, n+1)
	}
}

func appendBounded(s []string, v string, limit int) []string {
	s = append(s, v)
	if len(s) > limit {
		s = slices.Delete(s, 0, len(s)-limit)
	}
	return s
}

// Snapshot reports what this recorder saw since it was created.
func (r *Recorder) Snapshot() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		Outcomes: clone(r.total.Outcomes),
		Latency:  clone(r.total.Latency),
		Sources:  clone(r.total.Sources),
		Since:    r.since,
	}
	for _, t := range r.terms.Keys() {
		n, _ := r.terms.Peek(t)
		rep.TopTerms = append(rep.TopTerms, TermCount{Term: t, Count: n})
	}
	rep.TopTerms = topTerms(rep.TopTerms, r.cfg.TopTerms)
	rep.ZeroResults = make([]string, len(r.total.ZeroResults))
	for i, q := range r.total.ZeroResults {
		rep.ZeroResults[len(rep.ZeroResults)-1-i] = q
	}
	return rep
}

// Report sums the stored totals of the last days days, including anything
// not yet flushed. Without a store it returns the Snapshot.
func (r *Recorder) Report(ctx context.Context, days int) (*Report, error) {
	if r.store == nil {
		return r.Snapshot(), nil
	}
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 1
	}
	today := r.now()
	from := today.AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
	return r.store.Report(ctx, from, today.Format(time.DateOnly), r.cfg.TopTerms)
}

// Flush writes the counts gathered since the last flush to the store.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	d := r.pending
	if d.empty() {
		r.mu.Unlock()
		return nil
	}
	r.pending = newDelta()
	r.mu.Unlock()

	if err := r.store.Add(ctx, r.now().Format(time.DateOnly), d); err != nil {
		r.mu.Lock()
		r.merge(d)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flush loop and flushes. Further events are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		<-r.done
	}
	return r.Flush(context.Background())
}

// merge puts back a delta whose flush failed.
func (r *Recorder) merge(from *Delta) {
	into := r.pending
	for k, v := range from.Outcomes {
		into.Outcomes[k] += v
	}
	for k, v := range from.Latency {
		into.Latency[k] += v
	}
	for k, v := range from.Sources {
		into.Sources[k] += v
	}
	for k, v := range from.Terms {
		into.Terms[k] += v
	}
	zero := append(from.ZeroResults, into.ZeroResults...)
	if len(zero) > r.cfg.ZeroResults {
		zero = zero[len(zero)-r.cfg.ZeroResults:]
	}
	into.ZeroResults = zero
}

func clone[K comparable](m map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// topTerms orders by count, then term, and keeps at most limit.
func topTerms(terms []TermCount, limit int) []TermCount {
	slices.SortFunc(terms, func(a, b TermCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Term, b.Term)
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
