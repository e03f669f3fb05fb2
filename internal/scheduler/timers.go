package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/obs"
)

var ErrShutdown = errors.New("scheduler: shut down")

// Timers runs fn every interval under key. Scheduling an existing key
// replaces its timer.
type Timers interface {
	Schedule(key string, interval time.Duration, fn func(ctx context.Context)) error
	Cancel(key string) bool
	Shutdown(ctx context.Context) error
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) ticker { return realTicker{time.NewTicker(d)} }

// TickerPool gives every key its own goroutine and ticker. A tick runs
// inside the key's goroutine, so one key never overlaps itself, and the
// shared semaphore caps how many ticks run at once across keys.
type TickerPool struct {
	log *zap.Logger
	sem chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	loops  map[string]chan struct{}
	closed bool

	newTicker func(time.Duration) ticker
}

func NewTickerPool(maxConcurrent int, log *zap.Logger) *TickerPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &TickerPool{
		log:       log.With(zap.String("component", "timers")),
		sem:       make(chan struct{}, maxConcurrent),
		base:      base,
		cancel:    cancel,
		loops:     make(map[string]chan struct{}),
		newTicker: newRealTicker,
	}
}

func (p *TickerPool) Schedule(key string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	if old, ok := p.loops[key]; ok {
		close(old)
		p.log.Debug("timer_replaced", zap.String("key", key))
	}
	stop := make(chan struct{})
	p.loops[key] = stop
	obs.ScheduledTargets.Set(float64(len(p.loops)))

	t := p.newTicker(interval)
	p.wg.Add(1)
	go p.run(key, t, stop, fn)
	return nil
}

func (p *TickerPool) run(key string, t ticker, stop chan struct{}, fn func(ctx context.Context)) {
	defer p.wg.Done()
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.base.Done():
			return
		case <-t.C():
		}
		// stop may have been closed while the tick was pending
		select {
		case <-stop:
			return
		default:
		}

		select {
		case p.sem <- struct{}{}:
		case <-stop:
			return
		case <-p.base.Done():
			return
		}
		p.fire(key, fn)
		<-p.sem
	}
}

func (p *TickerPool) fire(key string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			obs.TickPanics.Inc()
			p.log.Error("timer_tick_panic", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	fn(p.base)
}

// Cancel stops future ticks for key. A tick already running finishes.
func (p *TickerPool) Cancel(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	stop, ok := p.loops[key]
	if !ok {
		return false
	}
	close(stop)
	delete(p.loops, key)
	obs.ScheduledTargets.Set(float64(len(p.loops)))
	return true
}

func (p *TickerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Shutdown stops every timer and waits for running ticks until ctx is done,
// then cancels the context the ticks run with.
func (p *TickerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for key, stop := range p.loops {
			close(stop)
			delete(p.loops, key)
		}
		obs.ScheduledTargets.Set(0)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.log.Warn("timers_shutdown_grace_exceeded")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
