package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gridlink/pkg/config"
	"gridlink/pkg/lludp"
	"gridlink/pkg/lludp/circuit"
	"gridlink/pkg/lludp/messages"
	"gridlink/pkg/lludp/netmgr"
	"gridlink/pkg/observability"
	"gridlink/pkg/stats"
	"gridlink/pkg/trace"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	applyFlags(cfg, opts)

	logger, err := observability.SetupLogger(cfg.AppName, cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("gridlink-client started")

	if cfg.Session.GridAddress == "" || cfg.Session.CircuitCode == 0 {
		zap.L().Error("grid address and circuit code are required (flags or config)")
		return 1
	}

	st := stats.New(nil)
	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen)
	}

	var rec *trace.Recorder
	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			zap.L().Error("failed to open trace file", zap.Error(err))
			return 1
		}
		if rec, err = trace.New(f); err != nil {
			zap.L().Error("failed to build trace recorder", zap.Error(err))
			return 1
		}
		defer func() { _ = rec.Close() }()
		zap.L().Info("recording traffic", zap.String("file", cfg.TraceFile))
	}

	disconnected := make(chan error, 1)
	mgr := netmgr.New(netmgr.Options{
		Circuit:   cfg.Circuit,
		AgentID:   cfg.Session.AgentUUID(),
		SessionID: cfg.Session.SessionUUID(),
		Logger:    logger,
		Stats:     st,
		Recorder:  rec,
		OnSessionDisconnected: func(reason error) {
			select {
			case disconnected <- reason:
			default:
			}
		},
	})
	defer mgr.Shutdown()

	mgr.RegisterHandler(lludp.MsgChatFromSimulator, func(_ *circuit.Circuit, _ *lludp.Packet, msg messages.Message) {
		chat, ok := msg.(*messages.ChatFromSimulator)
		if !ok {
			return
		}
		zap.L().Info("chat",
			zap.String("from", chat.FromName),
			zap.String("text", chat.Message))
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Circuit.HandshakeTimeout())
	defer cancel()
	c, err := mgr.Connect(ctx, cfg.Session.GridAddress, cfg.Session.CircuitCode)
	if err != nil {
		zap.L().Error("connect failed", zap.Error(err))
		return 1
	}
	zap.L().Info("connected", zap.String("region", c.Remote().String()))

	if opts.Say != "" {
		err := mgr.SendMessage(&messages.ChatFromViewer{
			AgentID:   cfg.Session.AgentUUID(),
			SessionID: cfg.Session.SessionUUID(),
			Message:   opts.Say,
		}, true)
		if err != nil {
			zap.L().Warn("chat send failed", zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		zap.L().Info("shutting down", zap.String("signal", s.String()))
		mgr.Logout()
		return 0
	case reason := <-disconnected:
		if reason != nil {
			zap.L().Error("session lost", zap.Error(reason))
			return 1
		}
		return 0
	}
}

func applyFlags(cfg *config.Config, opts Options) {
	if opts.GridAddress != "" {
		cfg.Session.GridAddress = opts.GridAddress
	}
	if opts.CircuitCode != 0 {
		cfg.Session.CircuitCode = uint32(opts.CircuitCode)
	}
	if opts.AgentID != "" {
		cfg.Session.AgentID = opts.AgentID
	}
	if opts.SessionID != "" {
		cfg.Session.SessionID = opts.SessionID
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	zap.L().Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		zap.L().Warn("metrics server stopped", zap.Error(err))
	}
}
