package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pribylovaa/qfarm-gateway/internal/auth"
	"github.com/pribylovaa/qfarm-gateway/internal/bot"
	"github.com/pribylovaa/qfarm-gateway/internal/config"
	"github.com/pribylovaa/qfarm-gateway/internal/farm"
	"github.com/pribylovaa/qfarm-gateway/internal/farmapi"
	gwhttp "github.com/pribylovaa/qfarm-gateway/internal/http"
	"github.com/pribylovaa/qfarm-gateway/internal/http/handlers"
	"github.com/pribylovaa/qfarm-gateway/internal/metrics"
	"github.com/pribylovaa/qfarm-gateway/internal/monitor"
	"github.com/pribylovaa/qfarm-gateway/internal/notify"
	"github.com/pribylovaa/qfarm-gateway/internal/qrlogin"
	"github.com/pribylovaa/qfarm-gateway/internal/settings"
	"github.com/pribylovaa/qfarm-gateway/pkg/interceptors"
	plog "github.com/pribylovaa/qfarm-gateway/pkg/log"

	"google.golang.org/grpc"
	health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (overrides CONFIG_PATH env)")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting qfarm-gateway", "env", cfg.Env)

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	// фоновые циклы берут логгер из контекста
	rootCtx = plog.Into(rootCtx, log)

	store, err := newStore(rootCtx, cfg.Settings)
	if err != nil {
		log.Error("settings_init_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn("settings_close_failed", slog.String("err", cerr.Error()))
		}
	}()

	mt := metrics.New(prometheus.DefaultRegisterer)

	api := farmapi.New(cfg.Farm.BaseURL, cfg.Farm.Timeout)
	registry := farm.New(api, store, farm.Options{})

	// сервис фермы может подняться позже: не фатально
	pingCtx, pingCancel := context.WithTimeout(rootCtx, cfg.Farm.Timeout)
	if err := api.Health(pingCtx); err != nil {
		log.Warn("farm_unreachable", slog.String("addr", cfg.Farm.BaseURL), slog.String("err", err.Error()))
	} else {
		log.Info("farm_reachable", slog.String("addr", cfg.Farm.BaseURL))
	}
	pingCancel()

	tokens := auth.New(cfg.Auth, auth.WithMetrics(mt))
	tokens.StartSweeper(rootCtx, cfg.Auth.SweepInterval)

	logins := qrlogin.New(registry, api, qrlogin.Options{
		Interval:     cfg.QRLogin.Interval,
		MaxTicks:     cfg.QRLogin.MaxTicks,
		RecheckDelay: cfg.QRLogin.RecheckDelay,
	}, mt)

	sender := notify.New(cfg.OneBot.BaseURL, cfg.OneBot.AccessToken, cfg.OneBot.Timeout)

	// nil-интерфейс, а не типизированный nil: обработчики проверяют tracker != nil
	var tracker handlers.Tracker
	var botTracker bot.Tracker
	if !cfg.Monitor.Disabled {
		mon := monitor.New(registry, store, sender, monitor.Options{
			Interval:     cfg.Monitor.Interval,
			ConfirmDelay: cfg.Monitor.ConfirmDelay,
			Cooldown:     cfg.Monitor.Cooldown,
		}, monitor.WithMetrics(mt))

		go func() {
			if err := mon.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("monitor_stopped", slog.String("err", err.Error()))
			}
		}()

		tracker, botTracker = mon, mon
		log.Info("monitor_started", slog.Duration("interval", cfg.Monitor.Interval))
	}

	botHandler := bot.New(tokens, registry, logins, store, sender, botTracker, bot.Options{
		Secret:        cfg.Bot.Secret,
		PanelURL:      cfg.Bot.PanelURL,
		AllowedGroups: cfg.Auth.AllowedGroups,
	})
	if cfg.Bot.Secret == "" {
		log.Warn("bot_events_unsigned")
	}

	apiHandler := gwhttp.NewRouter(handlers.New(tokens, registry, tracker), gwhttp.Options{
		Logger:  log,
		Timeout: cfg.Timeouts.Service,
		Bot:     botHandler,
	})

	var ready int32 // 0 — not ready; 1 — ready

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&ready) == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiHandler)

	httpAddr := cfg.HTTP.Addr()
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		log.Error("http_listen_failed", slog.String("addr", httpAddr), slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("http_listen_start", slog.String("addr", httpAddr))

	// gRPC: только health для оркестратора
	grpc_prometheus.EnableHandlingTimeHistogram()

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			interceptors.Recover(log),
			interceptors.UnaryLoggingInterceptor(log),
			interceptors.WithTimeout(cfg.Timeouts.Service),
			grpc_prometheus.UnaryServerInterceptor,
		),
		grpc.ChainStreamInterceptor(
			grpc_prometheus.StreamServerInterceptor,
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.Env == envLocal || cfg.Env == envDev {
		reflection.Register(grpcServer)
	}

	grpcAddr := cfg.GRPC.Addr()
	grpcLn, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Error("grpc_listen_failed", slog.String("addr", grpcAddr), slog.String("err", err.Error()))
		_ = httpLn.Close()
		os.Exit(1)
	}
	log.Info("grpc_listen_start", slog.String("addr", grpcAddr))

	grpc_prometheus.Register(grpcServer)

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErrCh <- err
		}
	}()

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	atomic.StoreInt32(&ready, 1)
	log.Info("gateway_ready")

	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		log.Error("serve_failed", slog.String("err", err.Error()))
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	atomic.StoreInt32(&ready, 0)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_incomplete", slog.String("err", err.Error()))
	} else {
		log.Info("http_stopped")
	}

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc_stopped")
	case <-shutdownCtx.Done():
		log.Warn("grpc_force_stop")
		grpcServer.Stop()
	}

	// сессии входа по QR дожидаются своих горутин
	rootCancel()
	logins.Close()

	log.Info("service_stopped")
}

// newStore — redis, если задан URL, иначе настройки в памяти процесса.
func newStore(ctx context.Context, cfg config.SettingsConfig) (settings.Store, error) {
	if cfg.RedisURL == "" {
		slog.Warn("settings_in_memory")
		return settings.NewMemory(), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := settings.NewRedis(dialCtx, cfg.RedisURL, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	slog.Info("settings_redis_connected")

	return st, nil
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
