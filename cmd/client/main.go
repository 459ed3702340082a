package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AtDexters-Lab/progress-session-client/auth"
	"github.com/AtDexters-Lab/progress-session-client/client"
	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	resources := flag.String("resources", "", "Comma-separated resource ids to follow.")
	start := flag.Bool("start", false, "Send start_analysis for every resource once connected.")
	flag.Parse()

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		base := xlog.Base()
		base.Fatal().Err(err).Msg("error loading configuration")
	}
	xlog.Reconfigure(xlog.Config{Level: cfg.Log.Level})
	logger := xlog.WithComponent("cli")

	ids := splitIDs(*resources)
	if len(ids) == 0 {
		logger.Fatal().Msg("no resource ids given; use -resources")
	}

	manager, err := newAuthManager(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("error configuring credentials")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()

	metricsSrv := serveMetrics(cfg.Metrics.ListenAddr, logger)

	reg := client.NewRegistry(*cfg, client.WithTokenSource(manager))
	logger.Info().Int("resources", len(ids)).Str("server", cfg.Server.URL).Msg("starting progress sessions")

	for _, id := range ids {
		s := reg.GetOrCreate(id)
		events, unsubscribe := s.Subscribe(64)
		statuses, unwatch := s.Watch()
		if *start {
			if err := s.SendMessage(mustStartAnalysis()); err != nil {
				logger.Warn().Err(err).Str(xlog.FieldResourceID, id).Msg("could not queue start_analysis")
			}
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			defer unwatch()
			follow(ctx, s, events, statuses)
		}()
		go func() {
			defer wg.Done()
			if err := s.Connect(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str(xlog.FieldResourceID, s.ResourceID()).Msg("session failed to connect")
			}
		}()
	}

	// Wait for shutdown signal.
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info().Msg("shutdown signal received; closing sessions")
	reg.Close()
	cancel()
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		stop()
	}
	logger.Info().Msg("all sessions closed; exiting")
}

func newAuthManager(cfg *client.Config) (*auth.Manager, error) {
	access := firstNonEmpty(os.Getenv("PROGRESS_ACCESS_TOKEN"), cfg.Auth.AccessToken)
	refresh := firstNonEmpty(os.Getenv("PROGRESS_REFRESH_TOKEN"), cfg.Auth.RefreshToken)
	if access == "" {
		return nil, errors.New("no access token: set auth.accessToken or PROGRESS_ACCESS_TOKEN")
	}

	var refresher auth.Refresher
	if h := cfg.Auth.Helper; h != nil {
		cr, err := auth.NewCommandRefresher(auth.CommandOptions{
			Command: h.Command,
			Args:    append([]string(nil), h.Args...),
			Env:     h.Env,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		refresher = cr
	} else {
		hr, err := auth.NewHTTPRefresher(cfg.Auth.APIBaseURL, nil)
		if err != nil {
			return nil, err
		}
		refresher = hr
	}

	return auth.NewManager(auth.NewMemoryStore(access, refresh), refresher,
		auth.WithThreshold(time.Duration(cfg.Auth.RefreshThresholdSeconds)*time.Second),
		auth.WithCheckInterval(time.Duration(cfg.Auth.CheckIntervalSeconds)*time.Second),
	), nil
}

// follow prints every progress frame as one JSON line and logs state changes
// until the session ends or ctx is done.
func follow(ctx context.Context, s *client.Session, events <-chan client.Event, statuses <-chan client.Status) {
	logger := xlog.WithComponent("cli").With().Str(xlog.FieldResourceID, s.ResourceID()).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			_, _ = os.Stdout.Write(append(append([]byte(nil), ev.Payload...), '\n'))
		case st := <-statuses:
			logStatus(logger, st)
			if st.Terminal() {
				return
			}
		}
	}
}

func logStatus(logger zerolog.Logger, st client.Status) {
	ev := logger.Info()
	if st.Terminal() && st.Cause != client.CauseManual {
		ev = logger.Error().AnErr("error", st.LastError)
	}
	ev.Str(xlog.FieldNewState, st.State.String()).
		Str(xlog.FieldCause, st.Cause.String()).
		Int(xlog.FieldAttempt, st.Attempt).
		Msg("session status")
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

func mustStartAnalysis() client.Message {
	m, err := client.StartAnalysis(nil)
	if err != nil {
		panic(err)
	}
	return m
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
