package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/webguard/internal/config"
	"github.com/hamed0406/webguard/internal/engine"
	"github.com/hamed0406/webguard/internal/httpapi"
	apimw "github.com/hamed0406/webguard/internal/httpapi/middleware"
	"github.com/hamed0406/webguard/internal/logging"
	"github.com/hamed0406/webguard/internal/notify"
	"github.com/hamed0406/webguard/internal/obs"
	"github.com/hamed0406/webguard/internal/probe"
	"github.com/hamed0406/webguard/internal/repo/open"
	"github.com/hamed0406/webguard/internal/scheduler"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("WEBGUARD_CONFIG"), "path to YAML config")
	flag.Parse()

	root, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(logging.Options{Dir: cfg.Log.Dir, Level: cfg.Log.Level, Service: "webguard", Stderr: true})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	otelCloser, err := obs.SetupOTel(root, obs.OTELConfig{
		Enable:      cfg.OTEL.Enable,
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.OTEL.ServiceName,
		SampleRatio: cfg.OTEL.SampleRatio,
	})
	if err != nil {
		logger.Fatal("otel_init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	store, err := open.Store(root, cfg.DB, logger)
	if err != nil {
		logger.Fatal("store_open", zap.String("driver", cfg.DB.Driver), zap.Error(err))
	}
	defer store.Close()
	logger.Info("store_ready", zap.String("driver", cfg.DB.Driver))

	eng := engine.New(engine.Config{
		Store:   store,
		Uptime:  probe.NewUptimeProbe(cfg.Check.Timeout, cfg.Check.UserAgent),
		Content: probe.NewContentProbe(cfg.Check.Timeout, cfg.Check.UserAgent, cfg.Check.MaxBodyBytes),
		TLS:     probe.NewTLSProbe(cfg.Check.Timeout),
		SSL:     cfg.SSL.Policy(),
		Logger:  logger,
	})

	channels, kafkaW := buildChannels(cfg, logger)
	if kafkaW != nil {
		defer func() { _ = kafkaW.Close() }()
	}
	disp := notify.NewDispatcher(notify.DispatcherConfig{
		Channel:  notify.Channels(channels...),
		Store:    store,
		Cooldown: cfg.Notify.Cooldown,
		Timeout:  cfg.Notify.Timeout,
		Logger:   logger,
	})
	defer disp.Close()

	alerter := scheduler.NewAlerter(disp, cfg.SSL.Policy(), logger)
	sched := scheduler.New(scheduler.Config{
		Targets:     store,
		Engine:      eng,
		Alerter:     alerter,
		Timers:      scheduler.NewTickerPool(cfg.Check.MaxConcurrent, logger),
		MinInterval: cfg.Check.MinInterval,
		Logger:      logger,
	})
	if _, err := sched.ScheduleAll(root); err != nil {
		logger.Error("schedule_all_failed", zap.Error(err))
	}

	api := httpapi.NewServer(httpapi.Deps{
		Logger:          logger,
		Store:           store,
		Engine:          eng,
		Alerter:         alerter,
		Scheduler:       sched,
		Notifier:        disp,
		DefaultInterval: cfg.Check.DefaultInterval,
		MinInterval:     cfg.Check.MinInterval,
	})
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.Router(httpapi.RouterOptions{
			Keys:           apimw.Keys{Public: cfg.Auth.PublicKeys, Admin: cfg.Auth.AdminKeys},
			AllowedOrigins: cfg.Server.AllowedOrigins,
			ManualRPM:      cfg.RateLimit.ManualRPM,
			ManualBurst:    cfg.RateLimit.ManualBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(root)
	g.Go(func() error {
		logger.Info("api_listen", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return sched.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("api_exit", zap.Error(err))
	}
	logger.Info("bye")
}

// buildChannels returns only configured channels; a nil *Telegram in the
// slice would be a non-nil Channel.
func buildChannels(cfg *config.Config, logger *zap.Logger) ([]notify.Channel, *notify.Kafka) {
	var out []notify.Channel
	if cfg.TelegramEnabled() {
		out = append(out, notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, cfg.Notify.Telegram.APIURL))
	}
	if cfg.Notify.Slack.Webhook != "" {
		out = append(out, notify.NewSlack(cfg.Notify.Slack.Webhook))
	}
	var k *notify.Kafka
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		k = notify.NewKafka(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		out = append(out, k)
	}
	names := make([]string, 0, len(out))
	for _, c := range out {
		names = append(names, c.Name())
	}
	if len(out) == 0 {
		logger.Warn("notify_no_channels")
	} else {
		logger.Info("notify_channels", zap.Strings("channels", names))
	}
	return out, k
}
