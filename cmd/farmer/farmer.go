package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"capsule_farmer/internal/config"
	"capsule_farmer/internal/dashboard"
	"capsule_farmer/internal/dataprovider"
	"capsule_farmer/internal/engine"
	"capsule_farmer/internal/farm"
	"capsule_farmer/internal/httpapi"
	clog "capsule_farmer/internal/log"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/notify"
	"capsule_farmer/internal/provider/browser"
	"capsule_farmer/internal/provider/esports"
	"capsule_farmer/internal/shared"
	"capsule_farmer/internal/stats"
	"capsule_farmer/internal/store/sqlite"
)

type runOptions struct {
	configPath  string
	verbose     bool
	noDashboard bool
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", opts.configPath, err)
	}

	logOut, err := clog.Open(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logOut.Close() }()
	logger := clog.New(logOut, opts.verbose || cfg.Debug)
	slog.SetDefault(logger)

	bus := logbus.New(200, logbus.WithLogger(logger))
	defer bus.Close()

	showDashboard := cfg.Dashboard.Enabled && !opts.noDashboard && dashboard.StdinIsTTY()
	printBanner(cfg, showDashboard)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := seedEmailSettings(ctx, store, cfg.Notify.Email); err != nil {
		return fmt.Errorf("seed email settings: %w", err)
	}

	var providerOpts []esports.Option
	if cfg.Provider.LoginMode == "browser" {
		providerOpts = append(providerOpts, esports.WithLoginer(browser.NewLoginer(cfg.Provider.Browser, bus)))
	}
	prov, err := esports.New(cfg.Provider, cfg.Proxy, bus, providerOpts...)
	if err != nil {
		return err
	}

	notifiers := notify.Multi{notify.NewEmailNotifier(store, bus)}
	if cfg.Notify.DingTalk.Webhook != "" {
		notifiers = append(notifiers, notify.NewDingTalkNotifier(cfg.Notify.DingTalk.Webhook, cfg.Notify.DingTalk.Secret, bus))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := notifiers.Close(closeCtx); err != nil {
			slog.Warn("closing notifiers", "err", err)
		}
	}()

	registry := stats.NewRegistry(stats.WithPublisher(bus))
	accounts := make(map[string]model.Account, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if err := registry.InitAccount(acc.Name); err != nil {
			return err
		}
		proxy := acc.Proxy
		if proxy == "" {
			proxy = cfg.Proxy.Global
		}
		accounts[acc.Name] = model.Account{
			Name:     acc.Name,
			Username: acc.Username,
			Password: acc.Password,
			Proxy:    proxy,
		}
	}

	sc := shared.NewContext()
	locks := shared.DefaultLocks()
	restarts := engine.NewRestartScheduler(engine.RestartPolicy{
		Base:        cfg.Restart.Base(),
		Max:         cfg.Restart.Max(),
		StableAfter: cfg.Restart.StableAfter(),
	}, nil)

	factory := farm.Factory(farm.Options{
		Provider:            prov,
		Store:               store,
		Notifier:            notifiers,
		Bus:                 bus,
		WatchInterval:       cfg.Farm.WatchInterval(),
		ShowHistoricalDrops: cfg.ShowHistoricalDrops,
		GlobalLimiter:       rate.NewLimiter(rate.Limit(cfg.Limits.GlobalQPS), cfg.Limits.GlobalBurst),
		PerAccountQPS:       cfg.Limits.PerAccountQPS,
		PerAccountBurst:     cfg.Limits.PerAccountBurst,
	}, accounts)

	sup, err := engine.New(engine.Options{
		Accounts: cfg.Accounts.Names(),
		Registry: registry,
		Shared:   sc,
		Locks:    locks,
		Factory:  factory,
		Restart:  restarts,
		Bus:      bus,
	})
	if err != nil {
		return err
	}

	refresher := dataprovider.New(prov, sc, bus, cfg.Refresh.Interval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return refresher.Run(gctx) })
	if cfg.Server.Enabled {
		api := httpapi.New(httpapi.Options{
			Cfg:        cfg,
			Bus:        bus,
			Store:      store,
			Registry:   registry,
			Supervisor: sup,
		})
		g.Go(func() error { return api.Serve(gctx) })
	}
	if showDashboard {
		g.Go(func() error {
			// leaving the dashboard stops the farmer
			defer stop()
			return dashboard.Run(gctx, registry, cfg.Dashboard.RefreshInterval())
		})
	}

	err = g.Wait()
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Println("capsule-farmer stopped")
	return nil
}

// seedEmailSettings copies the configured address into the store the first
// time; later edits through the API win.
func seedEmailSettings(ctx context.Context, store *sqlite.Store, cfg config.EmailConfig) error {
	if cfg.Email == "" {
		return nil
	}
	_, ok, err := store.GetEmailSettings(ctx)
	if err != nil || ok {
		return err
	}
	_, err = store.UpsertEmailSettings(ctx, model.EmailSettings{
		Enabled:  cfg.Enabled,
		Email:    cfg.Email,
		AuthCode: cfg.AuthCode,
	})
	return err
}

func printBanner(cfg config.Config, showDashboard bool) {
	title := color.New(color.FgCyan, color.Bold)
	muted := color.New(color.FgHiBlack)
	title.Println("capsule-farmer")
	muted.Printf("accounts: %d  provider: %s  login: %s\n", len(cfg.Accounts), cfg.Provider.BaseURL, cfg.Provider.LoginMode)
	if cfg.Server.Enabled {
		muted.Printf("api: http://%s\n", cfg.Server.Addr)
	}
	if !showDashboard {
		muted.Printf("logs: %s\n", cfg.Log.Path)
	}
}
