// Command flowcore-demo wires the flow manager core up to a real backend:
// a REST client for flow/config requests and a websocket for inbound
// signalling events. It mirrors a single client session, not a server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/flowcore/internal/flowcore/flowmanager"
	"github.com/sebas/flowcore/internal/flowcore/logging"
	"github.com/sebas/flowcore/internal/flowcore/mcat"
	"github.com/sebas/flowcore/internal/flowcore/mediasystem"
	"github.com/sebas/flowcore/internal/flowcore/metrics"
	"github.com/sebas/flowcore/internal/flowcore/restclient"
)

func main() {
	cfg := loadConfig()
	logging.SetLevel(parseLevel(cfg.LogLevel))
	log := logging.For("main")

	if cfg.SelfUserID == "" || cfg.ConvID == "" {
		log.Error("missing required flags", "need", "-user and -conversation")
		os.Exit(1)
	}

	ms, err := mediasystem.Get("flowcore-demo", mediasystem.Config{
		Loopback: cfg.Loopback,
	})
	if err != nil {
		log.Error("media system init failed", "error", err)
		os.Exit(1)
	}
	defer mediasystem.Release()
	ms.Start()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	handler := restclient.NewDefault(cfg.RESTBaseURL, cfg.RPS, cfg.Burst, nil)
	handler.AuthHeader = func() string {
		if cfg.AuthToken == "" {
			return ""
		}
		return "Bearer " + cfg.AuthToken
	}

	fm := flowmanager.New(flowmanager.Config{
		SelfUserID:  cfg.SelfUserID,
		MediaSystem: ms,
		Handler:     handler,
		Metrics:     metricsReg,
		AccessToken: handler.AuthHeader,
		OnError: func(convID string, err error) {
			log.Error("call errored", "conversation", convID, "error", err)
		},
		OnMediaEstablished: func(convID string, established bool) {
			log.Info("media established state changed", "conversation", convID, "established", established)
		},
		OnCategoryChange: func(convID string, cat mcat.Category) {
			log.Info("call category changed", "conversation", convID, "category", cat.String())
		},
		OnConference: func(convID string, participants []string) {
			log.Info("conference participants changed", "conversation", convID, "participants", participants)
		},
		OnNetworkQuality: func(convID string, interrupted bool) {
			log.Warn("rtp interruption detected", "conversation", convID)
		},
	})
	go fm.Run()
	defer fm.Shutdown()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sock := &eventSocket{url: cfg.WSURL, token: cfg.AuthToken, fm: fm}
	go func() {
		if err := sock.run(ctx); err != nil {
			log.Error("event socket stopped", "error", err)
		}
	}()

	if err := fm.AcquireFlows(cfg.ConvID, cfg.SessionID); err != nil {
		log.Error("acquire flows failed", "conversation", cfg.ConvID, "error", err)
	}

	log.Info("flowcore demo running",
		"user", cfg.SelfUserID,
		"conversation", cfg.ConvID,
		"rest", cfg.RESTBaseURL,
		"ws", cfg.WSURL,
		"metrics", cfg.MetricsAddr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	cancel()
	fm.ReleaseFlows(cfg.ConvID)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
