// Package queuepoller periodically fetches the platform's pending-execution
// queue and hands each snapshot to a sink.
package queuepoller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/execwatch/internal/execution"
)

const DefaultInterval = 2 * time.Second

type Fetcher interface {
	Queue(ctx context.Context) ([]execution.QueueItem, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]execution.QueueItem, error)

func (f FetcherFunc) Queue(ctx context.Context) ([]execution.QueueItem, error) { return f(ctx) }

type Poller struct {
	fetcher  Fetcher
	sink     func([]execution.QueueItem)
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func New(fetcher Fetcher, sink func([]execution.QueueItem), interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher:  fetcher,
		sink:     sink,
		interval: interval,
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

// Start polls immediately and then once per interval until Stop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.poll()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.poll()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// RunOnce performs a single fetch. On success the snapshot replaces the
// sink's queue; on failure the sink is left untouched.
func (p *Poller) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	items, err := p.fetcher.Queue(ctx)
	if err != nil {
		return fmt.Errorf("fetch queue: %w", err)
	}
	if items == nil {
		items = []execution.QueueItem{}
	}
	p.sink(items)
	return nil
}

func (p *Poller) poll() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := p.RunOnce(ctx); err != nil {
		p.logger.Warn("queue poll failed", "err", err)
	}
}
