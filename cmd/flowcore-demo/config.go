package main

import (
	"flag"
	"os"
	"strconv"
)

// config holds the demo process's wiring knobs. Mirrors the signaling
// service's flag-then-env-override loader.
type config struct {
	SelfUserID  string
	ConvID      string
	SessionID   string
	RESTBaseURL string
	WSURL       string
	AuthToken   string
	MetricsAddr string
	LogLevel    string
	Loopback    bool
	RPS         float64
	Burst       int
}

func loadConfig() *config {
	cfg := &config{}

	flag.StringVar(&cfg.SelfUserID, "user", "", "self user id")
	flag.StringVar(&cfg.ConvID, "conversation", "", "conversation id to join")
	flag.StringVar(&cfg.SessionID, "session", "", "client session id")
	flag.StringVar(&cfg.RESTBaseURL, "rest", "http://localhost:8080", "backend REST base URL")
	flag.StringVar(&cfg.WSURL, "ws", "ws://localhost:8080/await", "signalling event websocket URL")
	flag.StringVar(&cfg.AuthToken, "token", "", "bearer token for REST and websocket auth")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9091", "address to serve /metrics on")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.Loopback, "loopback", false, "allow binding flows to loopback addresses (testing only)")
	flag.Float64Var(&cfg.RPS, "rps", 5, "REST request rate limit")
	flag.IntVar(&cfg.Burst, "burst", 10, "REST request rate limit burst")
	flag.Parse()

	if v := os.Getenv("FLOWCORE_USER"); v != "" {
		cfg.SelfUserID = v
	}
	if v := os.Getenv("FLOWCORE_CONVERSATION"); v != "" {
		cfg.ConvID = v
	}
	if v := os.Getenv("FLOWCORE_SESSION"); v != "" {
		cfg.SessionID = v
	}
	if v := os.Getenv("FLOWCORE_REST"); v != "" {
		cfg.RESTBaseURL = v
	}
	if v := os.Getenv("FLOWCORE_WS"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("FLOWCORE_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("FLOWCORE_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWCORE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RPS = f
		}
	}

	return cfg
}
