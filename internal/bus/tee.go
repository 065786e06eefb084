package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Mirror forwards ticks to an external system. Forward is called from a
// single worker goroutine per mirror.
type Mirror interface {
	Name() string
	Forward(ctx context.Context, ticks []model.Tick) error
	Close() error
}

// TeeOptions configures a Tee.
type TeeOptions struct {
	QueueSize    int
	BatchSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

const (
	DefaultMirrorQueueSize    = 8192
	DefaultMirrorBatchSize    = 256
	DefaultMirrorWriteTimeout = 5 * time.Second
)

// Tee publishes to a primary publisher and copies every tick to network
// mirrors through a bounded async queue. A slow mirror loses its own oldest
// ticks and never slows the primary.
type Tee struct {
	primary Publisher
	sinks   []*mirrorSink
	opts    TeeOptions
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type mirrorSink struct {
	mirror Mirror
	ring   *Ring[model.Tick]
}

// NewTee builds a tee. Call Start to run the mirror workers.
func NewTee(primary Publisher, opts TeeOptions, mirrors ...Mirror) *Tee {
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultMirrorQueueSize
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultMirrorBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultMirrorWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Tee{
		primary: primary,
		opts:    opts,
		logger:  opts.Logger.With("component", "bus_tee"),
	}
	for _, m := range mirrors {
		t.sinks = append(t.sinks, &mirrorSink{mirror: m, ring: NewRing[model.Tick](opts.QueueSize)})
	}
	return t
}

// Publish implements Publisher.
func (t *Tee) Publish(tick model.Tick) {
	t.primary.Publish(tick)
	for _, s := range t.sinks {
		if dropped, ok := s.ring.Push(tick); !ok || dropped > 0 {
			t.opts.Metrics.MirrorDropped(s.mirror.Name())
		}
	}
}

// Start runs one worker per mirror until Close.
func (t *Tee) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	for _, s := range t.sinks {
		t.wg.Add(1)
		go t.run(ctx, s)
	}
}

func (t *Tee) run(ctx context.Context, s *mirrorSink) {
	defer t.wg.Done()
	logger := t.logger.With("mirror", s.mirror.Name())

	for {
		first, ok := s.ring.Pop(ctx)
		if !ok {
			return
		}
		batch := append([]model.Tick{first}, s.ring.DrainTo(t.opts.BatchSize-1)...)

		wctx, cancel := context.WithTimeout(context.Background(), t.opts.WriteTimeout)
		err := s.mirror.Forward(wctx, batch)
		cancel()
		if err != nil {
			for range batch {
				t.opts.Metrics.MirrorDropped(s.mirror.Name())
			}
			logger.Warn("mirror forward failed", "error", err, "ticks", len(batch))
		}
	}
}

// Close stops the workers and closes every mirror. Queued ticks are
// discarded.
func (t *Tee) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	for _, s := range t.sinks {
		s.ring.Close()
	}
	t.wg.Wait()

	var firstErr error
	for _, s := range t.sinks {
		if err := s.mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
