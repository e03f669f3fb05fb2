package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/obs"
	"github.com/hamed0406/webguard/internal/repo"
)

const (
	DefaultCooldown = 300 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Store is what the dispatcher reads and writes. It never mutates incidents.
type Store interface {
	repo.NotificationStore
	LatestIncident(ctx context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error)
}

type DispatcherConfig struct {
	Channel   Channel // nil: every send fails with ErrNoChannel
	Store     Store
	Cooldown  time.Duration
	Timeout   time.Duration
	QueueSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Dispatcher owns one worker goroutine. Every request, from cooldown lookup
// to the audit record, runs on that worker, so channel calls never
// interleave and two concurrent alerts cannot both pass the same cooldown.
type Dispatcher struct {
	chans    []Channel
	store    Store
	cooldown time.Duration
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
	tracer   trace.Tracer

	reqs      chan *request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type request struct {
	ctx   context.Context
	alert Alert
	reply chan result
}

type result struct {
	sent bool
	err  error
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Dispatcher{
		chans:    flatten(cfg.Channel),
		store:    cfg.Store,
		cooldown: cfg.Cooldown,
		timeout:  cfg.Timeout,
		log:      cfg.Logger.With(zap.String("component", "dispatcher")),
		now:      func() time.Time { return cfg.Now().UTC() },
		tracer:   otel.Tracer("webguard/notify"),
		reqs:     make(chan *request, cfg.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case req := <-d.reqs:
			req.reply <- d.handle(req)
		}
	}
}

// Close stops the worker. Requests still queued fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		<-d.done
		for {
			select {
			case req := <-d.reqs:
				req.reply <- result{err: ErrClosed}
			default:
				return
			}
		}
	})
}

func (d *Dispatcher) submit(ctx context.Context, a Alert) (bool, error) {
	req := &request{ctx: ctx, alert: a, reply: make(chan result, 1)}
	select {
	case <-d.quit:
		return false, ErrClosed
	default:
	}
	select {
	case d.reqs <- req:
	case <-d.quit:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.sent, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-d.done:
		select {
		case r := <-req.reply:
			return r.sent, r.err
		default:
			return false, ErrClosed
		}
	}
}

// SendNotification delivers one alert for target unless a notification of
// the same kind was sent within the cooldown window. Each channel gets its own
// attempt and record. It reports whether any channel accepted the message;
// the error joins the channels that did not, so (true, err) is a partial
// delivery. Suppression is (false, nil).
func (d *Dispatcher) SendNotification(ctx context.Context, t domain.Target, kind domain.IncidentKind, sev domain.Severity, detail string) (bool, error) {
	name := t.DisplayName
	if name == "" {
		name = t.URL
	}
	return d.submit(ctx, Alert{
		DispatchID: uuid.NewString(),
		TargetID:   t.ID,
		TargetName: name,
		URL:        t.URL,
		Kind:       kind,
		Severity:   sev,
		Detail:     detail,
	})
}

// SendTest pushes a synthetic low severity alert straight to every channel.
// No cooldown, no incident linkage, no record.
func (d *Dispatcher) SendTest(ctx context.Context) error {
	_, err := d.submit(ctx, Alert{
		DispatchID: uuid.NewString(),
		TargetName: "WebGuard Test",
		URL:        "test.local",
		Kind:       domain.IncidentDowntime,
		Severity:   domain.SeverityLow,
		Detail:     "Test notification from WebGuard",
		Test:       true,
	})
	return err
}

func (d *Dispatcher) handle(req *request) result {
	ctx := req.ctx
	if err := ctx.Err(); err != nil {
		return result{err: err}
	}
	a := req.alert
	a.At = d.now()

	ctx, span := d.tracer.Start(ctx, "notify.dispatch", trace.WithAttributes(
		attribute.String("webguard.dispatch_id", a.DispatchID),
		attribute.Int64("webguard.target_id", int64(a.TargetID)),
		attribute.String("webguard.kind", string(a.Kind)),
		attribute.Bool("webguard.test", a.Test),
	))
	defer span.End()

	log := obs.WithTrace(ctx, d.log).With(
		zap.String("dispatch_id", a.DispatchID),
		zap.Int64("target_id", int64(a.TargetID)),
		zap.String("kind", string(a.Kind)),
		zap.String("severity", string(a.Severity)),
	)

	if len(d.chans) == 0 {
		log.Warn("dispatch_no_channel")
		obs.Notifications.WithLabelValues(string(a.Kind), "no_channel").Inc()
		return result{err: ErrNoChannel}
	}

	if !a.Test && d.coolingDown(ctx, log, a) {
		log.Info("dispatch_suppressed", zap.Duration("cooldown", d.cooldown))
		obs.Notifications.WithLabelValues(string(a.Kind), "suppressed").Inc()
		span.SetAttributes(attribute.Bool("webguard.suppressed", true))
		return result{}
	}

	var incidentID *int64
	if !a.Test {
		incidentID = d.linkIncident(ctx, log, a)
	}

	sent := false
	var errs []error
	for _, ch := range d.chans {
		err := d.deliver(ctx, log, ch, a)
		if err != nil {
			errs = append(errs, err)
			log.Error("dispatch_failed", zap.String("channel", ch.Name()), zap.Error(err))
		} else {
			sent = true
			log.Info("dispatch_sent", zap.String("channel", ch.Name()))
		}
		if !a.Test {
			d.record(ctx, log, a, ch.Name(), incidentID, err == nil)
		}
	}

	err := errors.Join(errs...)
	switch {
	case err == nil:
		obs.Notifications.WithLabelValues(string(a.Kind), "sent").Inc()
	case sent:
		obs.Notifications.WithLabelValues(string(a.Kind), "partial").Inc()
	default:
		obs.Notifications.WithLabelValues(string(a.Kind), "failed").Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return result{sent: sent, err: err}
}

// coolingDown fails open: a store error lets the alert through.
func (d *Dispatcher) coolingDown(ctx context.Context, log *zap.Logger, a Alert) bool {
	n, err := d.store.CountSentSince(ctx, a.TargetID, a.Kind, a.At.Add(-d.cooldown))
	if err != nil {
		log.Warn("dispatch_cooldown_lookup_error", zap.Error(err))
		return false
	}
	return n > 0
}

// deliver sends the rich message to one channel and, if it is rejected, the
// same text once more without markup. Other channels are never resent.
func (d *Dispatcher) deliver(ctx context.Context, log *zap.Logger, ch Channel, a Alert) error {
	rich := FormatAlert(a)
	err := d.sendOnce(ctx, ch, Message{Text: rich, Format: FormatHTML, Alert: a})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("deliver via %s: %w", ch.Name(), err)
	}
	log.Warn("dispatch_rich_failed", zap.String("channel", ch.Name()), zap.Error(err))
	if err2 := d.sendOnce(ctx, ch, Message{Text: StripFormatting(rich), Format: FormatPlain, Alert: a}); err2 != nil {
		return fmt.Errorf("deliver via %s: %w", ch.Name(), err2)
	}
	return nil
}

func (d *Dispatcher) sendOnce(ctx context.Context, ch Channel, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return ch.Send(ctx, m)
}

// linkIncident finds the incident the records of this alert point at.
func (d *Dispatcher) linkIncident(ctx context.Context, log *zap.Logger, a Alert) *int64 {
	inc, err := d.store.LatestIncident(ctx, a.TargetID, a.Kind)
	if err != nil {
		log.Warn("dispatch_incident_lookup_error", zap.Error(err))
		return nil
	}
	if inc == nil {
		return nil
	}
	id := inc.ID
	return &id
}

func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, a Alert, channel string, incidentID *int64, sent bool) {
	rec := &domain.NotificationRecord{
		IncidentID: incidentID,
		TargetID:   a.TargetID,
		Kind:       a.Kind,
		Channel:    channel,
		SentAt:     a.At,
		Status:     domain.DeliveryFailed,
	}
	if sent {
		rec.Status = domain.DeliverySent
	}
	if err := d.store.AppendNotification(ctx, rec); err != nil {
		log.Error("dispatch_record_error", zap.String("channel", channel), zap.Error(err))
	}
}
