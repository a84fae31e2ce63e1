package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/channels"
	"github.com/JaisonBinns/nanoclaw/internal/config"
	"github.com/JaisonBinns/nanoclaw/internal/container"
	"github.com/JaisonBinns/nanoclaw/internal/ipc"
	"github.com/JaisonBinns/nanoclaw/internal/orchestrator"
	"github.com/JaisonBinns/nanoclaw/internal/queue"
	"github.com/JaisonBinns/nanoclaw/internal/scheduler"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Connect the channels and run agents for registered groups",
	RunE:  runGateway,
}

var gatewaySignalNotify = signal.NotifyContext

func runGateway(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "nanoclaw gateway")

	cfg, err := config.Load()
	if err != nil {
		return fatal(out, "Config error", err)
	}
	if err := cfg.Validate(); err != nil {
		return fatal(out, "Invalid config", err)
	}
	setupLogging(cfg.Log, os.Stderr)

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.GroupsDir} {
		if err := config.EnsureDir(dir); err != nil {
			return fatal(out, "Cannot create "+dir, err)
		}
	}
	st, err := openStore(cfg)
	if err != nil {
		return fatal(out, "Cannot open store", err)
	}
	defer st.Close()

	ctx, stop := gatewaySignalNotify(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg.Container)
	if err != nil {
		return fatal(out, "Container runtime unavailable", err)
	}
	loc := cfg.Assistant.Location()
	runnerCfg := cfg.Container
	runnerCfg.Timezone = loc.String()
	paths := cfg.Paths.RunnerPaths()
	runner := container.NewRunner(runnerCfg, paths, rt, orchestrator.Snapshots{Store: st})
	if err := runner.Prepare(ctx); err != nil {
		return fatal(out, "Container runtime unavailable", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	q := queue.New(cfg.Queue, queue.MustNewMetrics(reg))

	msgBus := bus.NewMessageBus()
	manager := channels.NewManager(buildChannels(cfg.Channels, msgBus)...)

	orch, err := orchestrator.New(orchestrator.Config{
		AssistantName:        cfg.Assistant.Name,
		TriggerPattern:       cfg.Assistant.TriggerPattern,
		MainGroupFolder:      cfg.Assistant.MainGroupFolder,
		PollInterval:         cfg.Poll.Interval,
		MetadataSyncInterval: cfg.Metadata.SyncInterval,
		Paths:                paths,
	}, st, msgBus, q, runner, manager)
	if err != nil {
		return fatal(out, "Orchestrator init failed", err)
	}
	watcher := ipc.NewWatcher(cfg.IPC, paths, cfg.Assistant.MainGroupFolder, orch, st, loc)
	orch.SetMailbox(watcher)

	if err := manager.Connect(ctx); err != nil {
		_ = manager.Disconnect()
		return fatal(out, "Channel connection failed", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(watcher.Run(gctx)) })
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler, st, q, orch, loc)
		g.Go(func() error { return ignoreCanceled(sched.Run(gctx)) })
	}
	if cfg.Metrics.Addr != "" {
		started := time.Now()
		live := func() gatewayStatus {
			return gatewayStatus{
				StartedAt:      started,
				Queue:          q.Status(),
				PendingInbound: msgBus.InboundSize(),
				Sessions:       orch.Sessions(),
			}
		}
		g.Go(func() error { return serveHTTP(gctx, cfg.Metrics.Addr, reg, live) })
	}

	slog.Info("Gateway running", "assistant", cfg.Assistant.Name, "channels", len(manager.Channels()), "groups", len(orch.RegisteredGroups()))
	fmt.Fprintln(out, "Gateway running. Press Ctrl+C to stop.")

	<-gctx.Done()
	fmt.Fprintln(out, "Shutting down...")
	stop()

	// Stop the bus first so channel readers blocked on a full buffer can exit.
	msgBus.Stop()
	if err := manager.Disconnect(); err != nil {
		slog.Warn("Channel disconnect failed", "error", err)
	}
	if err := q.Shutdown(shutdownTimeout); err != nil {
		slog.Warn("Queue shutdown incomplete", "error", err)
	}
	if err := g.Wait(); err != nil {
		return fatal(out, "Gateway stopped with error", err)
	}
	return nil
}

func fatal(w io.Writer, msg string, err error) error {
	fmt.Fprintln(w, color.RedString("✗ %s: %v", msg, err))
	return fmt.Errorf("%s: %w", strings.ToLower(msg), err)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupLogging(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func newRuntime(cfg container.Config) (container.Runtime, error) {
	switch cfg.Runtime {
	case "exec":
		return container.NewExecRuntime(), nil
	case "docker", "":
		rt, err := container.NewDockerRuntime()
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
	return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
}

func buildChannels(cfg config.ChannelsConfig, msgBus *bus.MessageBus) []channels.Channel {
	var out []channels.Channel
	if cfg.Telegram.Enabled {
		out = append(out, channels.NewTelegramChannel(cfg.Telegram, msgBus))
	}
	if cfg.WhatsApp.Enabled {
		out = append(out, channels.NewWhatsAppChannel(cfg.WhatsApp, msgBus))
	}
	if cfg.Slack.Enabled {
		out = append(out, channels.NewSlackChannel(cfg.Slack, msgBus))
	}
	if cfg.Kafka.Enabled {
		out = append(out, channels.NewKafkaChannel(cfg.Kafka, msgBus))
	}
	return out
}

// serveHTTP exposes /metrics and the live /status used by `nanoclaw status`.
func serveHTTP(ctx context.Context, addr string, reg *prometheus.Registry, live func() gatewayStatus) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/status", statusHandler(live))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("HTTP server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
