// Shard is the network front end of an MMO game server: it accepts client
// connections, frames and decodes their messages, walks each session
// through login into the world and exposes the live sessions to operators
// over an admin API, MQTT telemetry and an interactive console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/shard/internal/api"
	"github.com/energizer-project/shard/internal/cli"
	"github.com/energizer-project/shard/internal/config"
	"github.com/energizer-project/shard/internal/db"
	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/gateway"
	"github.com/energizer-project/shard/internal/health"
	"github.com/energizer-project/shard/internal/network"
	"github.com/energizer-project/shard/internal/pipeline"
	"github.com/energizer-project/shard/internal/protocol/packets"
	"github.com/energizer-project/shard/internal/session"
	"github.com/energizer-project/shard/internal/telemetry"
	"github.com/energizer-project/shard/internal/util"
)

const (
	AppName    = "Shard"
	AppVersion = api.Version
	Banner     = `
   _____ _                   _
  / ____| |                 | |
 | (___ | |__   __ _ _ __ __| |
  \___ \| '_ \ / _' | '__/ _' |
  ____) | | | | (_| | | | (_| |
 |_____/|_| |_|\__,_|_|  \__,_|  v%s
 MMO network front end
`
)

var errConsoleQuit = errors.New("quit from console")

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := util.InitLogger(cfg.GetLogging(), true); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Str("config", cfg.Path()).
		Msg("starting " + AppName)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := run(cfg, !*noConsole); err != nil {
		log.Fatal().Err(err).Msg("shard failed")
	}
	log.Info().Msg(AppName + " stopped")
}

func run(cfg *config.Config, console bool) error {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	eventBus := events.NewEventBus()
	defer eventBus.Stop()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, e events.Event) error {
		if e.Source == "cli" {
			cancel(errConsoleQuit)
		}
		return nil
	})

	// storage
	dbCfg := cfg.GetDatabase()
	database, err := db.NewDatabase(dbCfg.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	accounts, err := db.NewAccounts(database, dbCfg.AutoCreate)
	if err != nil {
		return err
	}
	var sessionLog *db.SessionLog
	if dbCfg.AuditSessions {
		if sessionLog, err = db.NewSessionLog(database); err != nil {
			return err
		}
		sessionLog.Subscribe(eventBus)
	}

	// protocol
	registry, err := packets.NewRegistry()
	if err != nil {
		return err
	}
	table := session.NewTable()
	netCfg := cfg.GetNetwork()
	proto := cfg.GetProtocol()

	listener := network.NewListener(network.ListenerConfig{
		Address:        netCfg.ListenAddress,
		MaxConnections: netCfg.MaxConnections,
		Options: network.Options{
			ReceiveBufferSize: netCfg.ReceiveBufferSize,
			HistoryCapacity:   netCfg.HistoryCapacity,
			WriteTimeout:      config.Seconds(netCfg.WriteTimeout),
		},
	}, eventBus)
	buildPipeline(listener.Pipeline(), proto, table)

	gw := gateway.New(registry, table, eventBus)
	shards, err := toShards(proto.Shards)
	if err != nil {
		return err
	}
	login, err := gateway.RegisterLoginHandlers(gw, accounts, gateway.LoginConfig{
		Shards:             shards,
		CompressAfterLogin: proto.CompressAfterLogin,
		EncryptAfterLogin:  proto.EncryptionSecret != "",
		Capacity:           netCfg.MaxConnections,
	})
	if err != nil {
		return err
	}
	listener.Subscribe(gw)
	outbox := gateway.NewOutbox(gw, proto.OutboxSize)

	if err := startWithRetry(ctx, "game listener", listener.Start, 5); err != nil {
		return fmt.Errorf("game listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		listener.Stop()
		return nil
	})
	g.Go(func() error { return outbox.Run(gctx) })

	var pruner health.Pruner
	if sessionLog != nil {
		pruner = sessionLog
	}
	logCfg := cfg.GetLogging()
	healthMgr := health.NewManager(health.Config{
		IdleTimeout:       config.Seconds(netCfg.IdleTimeout),
		ReapInterval:      config.Seconds(netCfg.ReapInterval),
		Retention:         time.Duration(dbCfg.RetentionDays) * 24 * time.Hour,
		PruneInterval:     time.Hour,
		LogDirectory:      logCfg.Directory,
		LogBackups:        logCfg.MaxBackups,
		LogCleanInterval:  24 * time.Hour,
		LoadInterval:      time.Minute,
		MemoryWarnPercent: 90,
	}, listener, pruner)
	g.Go(func() error {
		healthMgr.Start(gctx)
		return nil
	})

	statsFn := func() any {
		return map[string]any{
			"gateway":         gw.Stats(),
			"host":            util.GetHostStats(),
			"connections":     listener.Count(),
			"pending_tickets": login.PendingTickets(),
			"outbox_dropped":  outbox.Dropped(),
		}
	}

	if apiCfg := cfg.GetAPI(); apiCfg.Enabled {
		srv := api.NewServer(apiCfg, api.Deps{
			Config:     cfg,
			Listener:   listener,
			Gateway:    gw,
			SessionLog: sessionLog,
			Outbox:     outbox,
		})
		g.Go(func() error {
			if err := startWithRetry(gctx, "admin API", srv.Start, 5); err != nil && gctx.Err() == nil {
				log.Warn().Err(err).Msg("admin API failed (non-fatal)")
			}
			return nil
		})
	}

	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		handler, err := telemetry.NewMQTTHandler(mqttCfg, eventBus, statsFn)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := handler.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
				return nil
			})
		}
	}

	if console {
		// not part of the group: a blocked stdin read must not hold up shutdown
		go cli.NewCLI(cli.Deps{
			Listener:   listener,
			Gateway:    gw,
			SessionLog: sessionLog,
			EventBus:   eventBus,
		}, os.Stdin, os.Stdout).Start(gctx)
	}

	<-gctx.Done()
	log.Info().AnErr("cause", context.Cause(gctx)).Msg("initiating graceful shutdown...")
	eventBus.EmitSync(context.Background(), events.Event{
		Type:    events.EventShutdown,
		Source:  "main",
		Payload: events.ShutdownPayload{Reason: shutdownReason(context.Cause(gctx)), Sessions: table.Len()},
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}
	return nil
}

// buildPipeline installs the stream transformers every new connection
// inherits. Outbound data is compressed before it is encrypted.
func buildPipeline(p *pipeline.Pipeline, proto config.ProtocolConfig, table *session.Table) {
	p.Add(pipeline.NewCompressor(table, proto.CompressionLevel))
	if proto.EncryptionSecret != "" {
		p.Add(pipeline.NewCipher([]byte(proto.EncryptionSecret), table))
	}
	if proto.TraceTraffic {
		p.Add(pipeline.NewTracer(util.ComponentLogger("trace")))
	}
	log.Info().Strs("transformers", p.Kinds()).Msg("connection pipeline ready")
}

func toShards(in []config.ShardConfig) ([]gateway.Shard, error) {
	out := make([]gateway.Shard, 0, len(in))
	for _, s := range in {
		addr, err := netip.ParseAddr(s.Address)
		if err != nil {
			return nil, fmt.Errorf("shard %q: %w", s.Name, err)
		}
		out = append(out, gateway.Shard{
			Name:     s.Name,
			Address:  addr,
			Port:     uint16(s.Port),
			Timezone: int8(s.Timezone),
		})
	}
	return out, nil
}

func shutdownReason(cause error) string {
	switch {
	case errors.Is(cause, errConsoleQuit):
		return "console"
	case cause == nil, errors.Is(cause, context.Canceled):
		return "signal"
	default:
		return cause.Error()
	}
}

// startWithRetry calls startFn until it succeeds, retrying bind failures
// every 3 seconds up to maxRetries times.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
