package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/model"
)

// SampleKey identifies one aggregation bucket.
type SampleKey struct {
	Provider     string
	LogicalModel string
	Transport    string
	IsStream     bool
	UserID       string
	APIKeyID     string
	WindowStart  int64 // unix seconds, UTC, rounded down to the bucket size
}

// Sample is one upstream call observation.
type Sample struct {
	Provider     string
	LogicalModel string
	Transport    model.Transport
	IsStream     bool
	UserID       string
	APIKeyID     string
	Success      bool
	LatencyMs    float64
	At           time.Time // zero means now
}

// Rollup is one drained bucket, ready for the rollup store.
type Rollup struct {
	SampleKey
	Total        int64
	Success      int64
	Error        int64
	LatencyAvgMs float64
	LatencyP95Ms float64
	LatencyP99Ms float64
	SampleCount  int
}

// Sink receives drained rollups. Implemented by the ClickHouse rollup store;
// a nil sink makes flushes log-only.
type Sink interface {
	WriteRollups(ctx context.Context, rows []Rollup) error
}

type bucket struct {
	total     int64
	success   int64
	errCount  int64
	reservoir []float64
	seen      int64
}

// BufferOptions configures the sample buffer.
type BufferOptions struct {
	// Enabled false switches to immediate mode: every sample is upserted
	// synchronously as a one-sample bucket.
	Enabled           bool
	BucketSeconds     int
	FlushInterval     time.Duration
	MaxKeys           int
	ReservoirSize     int
	SuccessSampleRate float64

	Sink     Sink
	Store    cache.Store
	Registry *Registry
	Logger   *slog.Logger
}

// Buffer aggregates samples into time buckets and drains them to the sink on
// a fixed interval. It also publishes the per-(logical, provider) health
// window the scheduler reads from the shared cache.
type Buffer struct {
	opts BufferOptions
	rng  *rand.Rand

	mu      sync.Mutex
	buckets map[SampleKey]*bucket
	order   []SampleKey // insertion order, oldest first

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBuffer(opts BufferOptions) *Buffer {
	if opts.BucketSeconds <= 0 {
		opts.BucketSeconds = 60
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 4096
	}
	if opts.ReservoirSize <= 0 {
		opts.ReservoirSize = 128
	}
	if opts.SuccessSampleRate <= 0 || opts.SuccessSampleRate > 1 {
		opts.SuccessSampleRate = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Buffer{
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		buckets: make(map[SampleKey]*bucket),
		stop:    make(chan struct{}),
	}
}

// Start launches the background flusher. No-op in immediate mode.
func (b *Buffer) Start() {
	if !b.opts.Enabled {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Flush(context.Background())
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop halts the flusher and drains whatever is buffered.
func (b *Buffer) Stop(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.Flush(ctx)
}

// Record aggregates one sample. Never blocks on the sink.
func (b *Buffer) Record(ctx context.Context, s Sample) {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	key := SampleKey{
		Provider:     s.Provider,
		LogicalModel: s.LogicalModel,
		Transport:    string(s.Transport),
		IsStream:     s.IsStream,
		UserID:       s.UserID,
		APIKeyID:     s.APIKeyID,
		WindowStart:  at.UTC().Unix() / int64(b.opts.BucketSeconds) * int64(b.opts.BucketSeconds),
	}

	if !b.opts.Enabled {
		bk := &bucket{}
		b.mu.Lock()
		b.apply(bk, s)
		b.mu.Unlock()
		b.writeOut(ctx, map[SampleKey]*bucket{key: bk})
		return
	}

	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		var evicted map[SampleKey]*bucket
		if len(b.buckets) >= b.opts.MaxKeys {
			oldest := b.order[0]
			b.order = b.order[1:]
			evicted = map[SampleKey]*bucket{oldest: b.buckets[oldest]}
			delete(b.buckets, oldest)
		}
		bk = &bucket{}
		b.buckets[key] = bk
		b.order = append(b.order, key)
		if evicted != nil {
			// Force-flush off the request path.
			go b.writeOut(context.Background(), evicted)
		}
	}
	b.apply(bk, s)
	depth := len(b.buckets)
	b.mu.Unlock()

	if b.opts.Registry != nil {
		b.opts.Registry.SetBufferBuckets(depth)
	}
}

func (b *Buffer) apply(bk *bucket, s Sample) {
	bk.total++
	if s.Success {
		bk.success++
		if b.opts.SuccessSampleRate < 1 && b.rng.Float64() >= b.opts.SuccessSampleRate {
			return
		}
	} else {
		bk.errCount++
	}

	// Reservoir sampling, algorithm R.
	bk.seen++
	if len(bk.reservoir) < b.opts.ReservoirSize {
		bk.reservoir = append(bk.reservoir, s.LatencyMs)
		return
	}
	if j := b.rng.Int63n(bk.seen); j < int64(len(bk.reservoir)) {
		bk.reservoir[j] = s.LatencyMs
	}
}

// Flush drains all buckets. Sink failures merge the drained buckets back so
// the next tick retries them.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buckets) == 0 {
		b.mu.Unlock()
		return
	}
	drained := b.buckets
	b.buckets = make(map[SampleKey]*bucket)
	b.order = nil
	b.mu.Unlock()

	if b.opts.Registry != nil {
		b.opts.Registry.SetBufferBuckets(0)
	}

	if !b.writeOut(ctx, drained) {
		b.mu.Lock()
		for key, bk := range drained {
			if existing, ok := b.buckets[key]; ok {
				existing.total += bk.total
				existing.success += bk.success
				existing.errCount += bk.errCount
				b.mergeReservoir(existing, bk)
			} else {
				b.buckets[key] = bk
				b.order = append(b.order, key)
			}
		}
		b.mu.Unlock()
	}
}

// mergeReservoir folds a drained bucket's latency samples back into a live
// bucket: each retained sample re-enters through the reservoir step, and the
// samples the drained reservoir had already displaced still count toward seen.
func (b *Buffer) mergeReservoir(dst, src *bucket) {
	for _, lat := range src.reservoir {
		dst.seen++
		if len(dst.reservoir) < b.opts.ReservoirSize {
			dst.reservoir = append(dst.reservoir, lat)
			continue
		}
		if j := b.rng.Int63n(dst.seen); j < int64(len(dst.reservoir)) {
			dst.reservoir[j] = lat
		}
	}
	dst.seen += src.seen - int64(len(src.reservoir))
}

// writeOut pushes rollups to the sink and refreshes the routing health
// windows. Returns false when the sink write failed.
func (b *Buffer) writeOut(ctx context.Context, drained map[SampleKey]*bucket) bool {
	rows := make([]Rollup, 0, len(drained))
	for key, bk := range drained {
		rows = append(rows, rollupOf(key, bk))
	}

	b.publishRoutingMetrics(ctx, drained)

	if b.opts.Sink == nil {
		return true
	}
	if err := b.opts.Sink.WriteRollups(ctx, rows); err != nil {
		b.opts.Logger.WarnContext(ctx, "rollup_flush_error", "rows", len(rows), "error", err.Error())
		if b.opts.Registry != nil {
			b.opts.Registry.RecordBufferFlush(false)
		}
		return false
	}
	if b.opts.Registry != nil {
		b.opts.Registry.RecordBufferFlush(true)
	}
	return true
}

func rollupOf(key SampleKey, bk *bucket) Rollup {
	r := Rollup{
		SampleKey:   key,
		Total:       bk.total,
		Success:     bk.success,
		Error:       bk.errCount,
		SampleCount: len(bk.reservoir),
	}
	if len(bk.reservoir) > 0 {
		var sum float64
		for _, v := range bk.reservoir {
			sum += v
		}
		r.LatencyAvgMs = sum / float64(len(bk.reservoir))
		r.LatencyP95Ms = percentile(bk.reservoir, 0.95)
		r.LatencyP99Ms = percentile(bk.reservoir, 0.99)
	}
	return r
}

// publishRoutingMetrics folds the drained buckets into per-(logical,
// provider) health windows for the scheduler.
func (b *Buffer) publishRoutingMetrics(ctx context.Context, drained map[SampleKey]*bucket) {
	if b.opts.Store == nil {
		return
	}

	type pair struct{ logical, provider string }
	agg := map[pair]*bucket{}
	for key, bk := range drained {
		p := pair{key.LogicalModel, key.Provider}
		dst, ok := agg[p]
		if !ok {
			dst = &bucket{}
			agg[p] = dst
		}
		dst.total += bk.total
		dst.success += bk.success
		dst.errCount += bk.errCount
		dst.reservoir = append(dst.reservoir, bk.reservoir...)
	}

	for p, bk := range agg {
		if bk.total == 0 {
			continue
		}
		errRate := float64(bk.errCount) / float64(bk.total)
		m := model.RoutingMetrics{
			LatencyP95Ms: percentile(bk.reservoir, 0.95),
			LatencyP99Ms: percentile(bk.reservoir, 0.99),
			ErrorRate:    errRate,
			SuccessQPS1m: float64(bk.success) / float64(b.opts.BucketSeconds),
			TotalReqs1m:  bk.total,
			Status:       healthOf(errRate),
			LastUpdated:  time.Now(),
		}
		enc, err := json.Marshal(m)
		if err != nil {
			continue
		}
		_ = b.opts.Store.Set(ctx, cache.RoutingMetricsKey(p.logical, p.provider), enc, 5*time.Minute)
	}
}

func healthOf(errRate float64) model.HealthStatus {
	switch {
	case errRate >= 0.9:
		return model.StatusDown
	case errRate >= 0.3:
		return model.StatusDegraded
	}
	return model.StatusHealthy
}

func percentile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
