package main

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/bgp-speaker/internal/archive"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/export"
	"github.com/route-beacon/bgp-speaker/internal/fsm"
	bgphttp "github.com/route-beacon/bgp-speaker/internal/http"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rde"
	"github.com/route-beacon/bgp-speaker/internal/session"
	"github.com/route-beacon/bgp-speaker/internal/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-speaker <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the speaker")
	fmt.Println("  migrate       Create or verify the archive database schema")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Server.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Server.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// sessionConfig maps one configured peer onto the session/FSM records.
func sessionConfig(srv config.ServerConfig, p config.PeerConfig) session.Config {
	var networks []wire.Prefix
	for _, n := range srv.Networks {
		if pfx, err := netip.ParsePrefix(n); err == nil {
			networks = append(networks, wire.PrefixFromCIDR(pfx))
		}
	}
	return session.Config{
		Host:        p.Host,
		Port:        p.Port,
		ManualStart: p.Start == "manual",
		FSM: fsm.Config{
			LocalASN:                 srv.ASN,
			LocalID:                  config.BGPID4(srv.BGPID),
			PeerASN:                  p.ASN,
			PeerID:                   config.BGPID4(p.BGPID),
			HoldTime:                 p.Timers.HoldTime.Seconds,
			KeepAlive:                p.Timers.KeepAlive.Seconds,
			ConnectRetry:             p.Timers.ConnectRetry.Seconds,
			DelayOpen:                p.Timers.DelayOpen.Seconds,
			ASOrigination:            p.Timers.ASOrigination.Seconds,
			RouteAdvertisement:       p.Timers.RouteAdvertisement.Seconds,
			DelayOpenEnabled:         p.Timers.DelayOpen.Enabled,
			NotificationWithoutOpen:  p.NotificationWithoutOpen,
			Passive:                  p.Mode == "passive",
			AdvertiseRouteRefresh:    true,
			Networks:                 networks,
		},
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-speaker",
		zap.Uint32("asn", cfg.Server.ASN),
		zap.String("bgp_id", cfg.Server.BGPID),
		zap.Int("peers", len(cfg.Peers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Archive (optional) ---
	var pool *pgxpool.Pool
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		var err error
		pool, err = archive.Connect(ctx, cfg.Archive.DSN, cfg.Archive.MaxConns, cfg.Archive.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to archive database", zap.Error(err))
		}
		defer pool.Close()

		if err := archive.EnsureSchema(ctx, pool, logger.Named("archive")); err != nil {
			logger.Fatal("archive schema check failed", zap.Error(err))
		}

		writer := archive.NewWriter(pool, logger.Named("archive.writer"),
			cfg.Archive.StoreRawBytes, cfg.Archive.StoreRawBytesCompress)
		archiver = archive.NewArchiver(writer, cfg.Archive.BatchSize, cfg.Archive.FlushIntervalMs,
			logger.Named("archive"))
		go archiver.Run(ctx)
	}

	// --- Export (optional) ---
	var exporter *export.Exporter
	if cfg.Export.Enabled {
		tlsCfg, err := cfg.Export.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		exporter, err = export.New(cfg.Export.Brokers, cfg.Export.Topic, cfg.Export.ClientID,
			tlsCfg, cfg.Export.BuildSASLMechanism(), logger.Named("export"))
		if err != nil {
			logger.Fatal("failed to create exporter", zap.Error(err))
		}
	}

	// --- Decision engine ---
	var opts []rde.Option
	if archiver != nil {
		opts = append(opts, rde.WithSink(archiver))
	}
	if exporter != nil {
		opts = append(opts, rde.WithSink(exporter))
	}
	engine := rde.New(cfg.Server.ASN, logger.Named("rde"), opts...)
	go engine.Run(ctx)

	// --- Sessions ---
	reg := session.NewRegistry()
	dialer := &session.TCPDialer{Timeout: 30 * time.Second}

	anyPassive := false
	for _, p := range cfg.Peers {
		sc := sessionConfig(cfg.Server, p)
		if p.Mode == "passive" {
			// Passive peers get their session when the listener accepts.
			anyPassive = true
			continue
		}
		s := session.New(sc, dialer, engine, logger.Named("session."+p.Host))
		reg.Register(p.Host, s)
		go s.Run(ctx)
		if !sc.ManualStart {
			s.Start(false)
		}
	}

	// --- Listener ---
	if cfg.Server.Listen || anyPassive {
		var peerCfgs []session.Config
		for _, p := range cfg.Peers {
			peerCfgs = append(peerCfgs, sessionConfig(cfg.Server, p))
		}
		listener := session.NewListener(
			fmt.Sprintf(":%d", cfg.Server.Port),
			peerCfgs, reg, dialer, engine, logger.Named("listener"),
		)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Fatal("listener failed", zap.Error(err))
			}
		}()
	}

	// --- HTTP server ---
	var dbChecker bgphttp.DBChecker
	if pool != nil {
		dbChecker = pool
	}
	httpServer := bgphttp.NewServer(cfg.Server.HTTPListen, dbChecker, reg, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("speaker started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cease every session cleanly, then cancel the run contexts.
	for _, p := range cfg.Peers {
		if s, ok := reg.Lookup(p.Host); ok {
			s.Stop()
		}
	}
	time.Sleep(200 * time.Millisecond)
	cancel()

	if exporter != nil {
		exporter.Close(shutdownCtx)
	}

	logger.Info("bgp-speaker stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if !cfg.Archive.Enabled {
		logger.Fatal("archive is not enabled; nothing to migrate")
	}

	logger.Info("ensuring archive schema",
		zap.String("dsn", redactDSN(cfg.Archive.DSN)),
	)

	ctx := context.Background()
	pool, err := archive.Connect(ctx, cfg.Archive.DSN, cfg.Archive.MaxConns, cfg.Archive.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := archive.EnsureSchema(ctx, pool, logger); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	logger.Info("archive schema ready")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
