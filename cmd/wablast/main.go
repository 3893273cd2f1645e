package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/httpapi"
	"wablast/internal/ledger"
	"wablast/internal/notify"
	"wablast/internal/phone"
	"wablast/internal/progress"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	"wablast/internal/uploads"
	logx "wablast/pkg/logx"
)

const defaultAddr = ":3000"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	// Secrets may live in a .env next to the binary; absence is fine.
	_ = godotenv.Load()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	store, err := ledger.Open(ledger.Config{
		Driver:      cfg.Ledger.Driver,
		Path:        cfg.Ledger.Path,
		BusyTimeout: config.Duration(cfg.Ledger.BusyTimeout),
	}, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()
	hub := progress.NewHub()

	gw := session.NewGateway(session.GatewayConfig{
		BaseURL:      cfg.Session.BaseURL,
		Token:        cfg.Session.Token,
		RatePerSec:   cfg.Session.RatePerSec,
		PollInterval: config.Duration(cfg.Session.PollInterval),
	}, bus, log.With(logx.String("comp", "session")))

	up, err := uploads.NewStore(cfg.Uploads.Dir,
		config.Duration(cfg.Uploads.MaxAge),
		log.With(logx.String("comp", "uploads")))
	if err != nil {
		return fmt.Errorf("init uploads: %w", err)
	}
	if err := up.StartJanitor(cfg.Uploads.JanitorSpec); err != nil {
		return err
	}
	defer up.StopJanitor()

	svc := dispatch.NewService(dispatch.Deps{
		Session: gw,
		Ledger:  store,
		Hub:     hub,
		Bus:     bus,
		Norm:    phone.NewNormalizer(regionRules(cfg)),
		Media:   up,
		Sup:     sup,
		Log:     log.With(logx.String("comp", "dispatch")),
	}, pacingFromConfig(cfg.Dispatch))

	srv := httpapi.NewServer(serverAddr(cfg), svc, up, hub, gw,
		log.With(logx.String("comp", "http")))

	sup.Go("session.watch", gw.Watch)
	sup.Go("progress.forward", func(ctx context.Context) error {
		return progress.Forward(ctx, bus, hub, log.With(logx.String("comp", "progress")))
	})
	sup.Go("config.watch", mgr.Watch)
	sup.Go0("config.apply", func(ctx context.Context) {
		applyReloads(ctx, mgr, svc)
	})
	sup.Go0("http.serve", func(context.Context) {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("http server failed", logx.Err(err))
			sup.Cancel()
		}
	})

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		n, err := notify.New(notify.Config{
			Token:  cfg.Notifier.Token,
			ChatID: cfg.Notifier.ChatID,
		}, log.With(logx.String("comp", "notify")))
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		sup.Go("notify.run", func(ctx context.Context) error {
			return n.Run(ctx, bus)
		})
	}

	// Under systemd Type=notify this flips the unit to active; elsewhere it is
	// a no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("wablast started", logx.String("addr", serverAddr(cfg)))

	<-ctx.Done()
	log.Info("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	if err := sup.Stop(10 * time.Second); err != nil {
		log.Warn("supervisor stop", logx.Err(err))
	}
	return nil
}

// applyReloads adopts pacing changes from config reloads. Other sections
// (server address, ledger driver) require a restart.
func applyReloads(ctx context.Context, mgr *config.Manager, svc *dispatch.Service) {
	ch := mgr.Subscribe(1)
	defer mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			svc.Apply(pacingFromConfig(cfg.Dispatch))
		}
	}
}

func pacingFromConfig(dc config.DispatchConfig) dispatch.Pacing {
	return dispatch.Pacing{
		BatchSize:     dc.BatchSize,
		SendDelayMin:  config.Duration(dc.SendDelayMin),
		SendDelayMax:  config.Duration(dc.SendDelayMax),
		BatchCooldown: config.Duration(dc.BatchCooldown),
	}
}

func regionRules(cfg *config.Config) []phone.Rule {
	if len(cfg.Regions) == 0 {
		return nil
	}
	rules := make([]phone.Rule, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		rules = append(rules, phone.Rule{LocalDigits: r.LocalDigits, CountryCode: r.CountryCode})
	}
	return rules
}

func serverAddr(cfg *config.Config) string {
	if cfg.Server.Addr != "" {
		return cfg.Server.Addr
	}
	return defaultAddr
}
