// cmd/preflight/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/config"
	"github.com/hamed0406/webguard/internal/repo/open"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("WEBGUARD_CONFIG"), "path to YAML config")
	ping := flag.Bool("ping", true, "open the store and run migrations")
	flag.Parse()

	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		os.Exit(1)
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail(err.Error())
	}
	ok("config valid")

	if len(cfg.Auth.AdminKeys) == 0 {
		warn("auth.admin_keys is empty; admin routes are open to anyone who can reach the API.")
	}
	if len(cfg.Auth.PublicKeys) == 0 && len(cfg.Auth.AdminKeys) > 0 {
		warn("auth.public_keys is empty; read routes need an admin key.")
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		warn("server.allowed_origins empty; CORS allows every origin.")
	} else {
		ok(fmt.Sprintf("server.allowed_origins=%v", cfg.Server.AllowedOrigins))
	}
	ok("server.addr=" + cfg.Server.Addr)

	if !cfg.TelegramEnabled() && cfg.Notify.Slack.Webhook == "" && len(cfg.Notify.Kafka.Brokers) == 0 {
		warn("no notification channel configured; alerts will only be logged.")
	} else {
		ok("notification channel configured")
	}

	switch cfg.DB.Driver {
	case "memory":
		warn("db.driver=memory; history is lost on restart.")
	case "postgres":
		if cfg.DB.DSN == "" {
			fail("db.dsn is empty for postgres.")
		}
	}
	if *ping && cfg.DB.Driver != "memory" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s, err := open.Store(ctx, cfg.DB, zap.NewNop())
		if err != nil {
			fail(err.Error())
		}
		if err := s.Ping(ctx); err != nil {
			fail("store ping: " + err.Error())
		}
		_ = s.Close()
		ok("store reachable, migrations applied (" + cfg.DB.Driver + ")")
	}

	ok("preflight passed")
}
