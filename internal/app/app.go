// Package app builds the call core object graph from a Config and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/callcore/internal/bus"
	"github.com/1ureka/callcore/internal/config"
	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/metrics"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/presence"
	"github.com/1ureka/callcore/internal/session"
	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

const flushTimeout = 2 * time.Second

// App is one running call client: relay connection, presence gate, media
// engine and session manager.
type App struct {
	cfg *config.Config
	log util.Logger

	// ctx bounds the relay connection; signalsCtx the outbound writer, which
	// stops first so queued frames are flushed while the connection is up.
	ctx           context.Context
	cancel        context.CancelFunc
	signalsCancel context.CancelFunc

	registry *prometheus.Registry
	metrics  *metrics.PrometheusCollector
	store    presence.FlagStore
	gate     *presence.Gate
	engine   negotiation.Engine
	media    *media.Engine
	client   *signaling.Client
	signals  *signaling.Adapter
	bus      *bus.Bus
	manager  *session.Manager
}

// Option customizes New.
type Option func(*App)

// WithEngine replaces the pion media engine, e.g. with a fake in tests.
func WithEngine(e negotiation.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithStore replaces the flag store selected by cfg.StorePath.
func WithStore(s presence.FlagStore) Option {
	return func(a *App) { a.store = s }
}

// New wires every component. Nothing touches the network until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	ctx, cancel := context.WithCancel(context.Background())
	signalsCtx, signalsCancel := context.WithCancel(context.Background())
	a := &App{
		cfg:           cfg,
		log:           util.NewLogger("app"),
		ctx:           ctx,
		cancel:        cancel,
		signalsCancel: signalsCancel,
		registry:      prometheus.NewRegistry(),
		bus:           bus.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = metrics.NewPrometheusCollector(a.registry)

	if a.engine == nil {
		engine, err := media.NewEngine(media.Options{ICEServers: iceServers(cfg.ICEServers)})
		if err != nil {
			a.stop()
			return nil, fmt.Errorf("create media engine: %w", err)
		}
		a.engine, a.media = engine, engine
	}

	if a.store == nil {
		if cfg.StorePath == "" {
			a.store = presence.NewMemoryStore()
		} else {
			store, err := presence.OpenSQLite(cfg.StorePath)
			if err != nil {
				a.stop()
				return nil, err
			}
			a.store = store
		}
	}

	a.client = signaling.NewClient(cfg.RelayURL)
	a.signals = signaling.NewAdapter(signalsCtx, a.client, a.metrics)
	a.gate = presence.NewGate(a.store, a.signals, cfg.UserID)
	a.client.OnConnect(func() { _ = a.gate.Enter() })

	a.manager = session.New(session.Options{
		LocalID:            cfg.UserID,
		LocalName:          cfg.DisplayName,
		LocalAvatar:        cfg.Avatar,
		RingTimeout:        cfg.RingTimeout(),
		ICEFailureGrace:    cfg.ICEFailureGrace(),
		NegotiationTimeout: cfg.NegotiationTimeout(),
		Engine:             a.engine,
		Signals:            a.signals,
		Bus:                a.bus,
		Presence:           a.gate,
		Metrics:            a.metrics,
	})
	return a, nil
}

// Manager returns the session manager UI intents go to.
func (a *App) Manager() *session.Manager { return a.manager }

// Bus returns the event bus lifecycle events are published on.
func (a *App) Bus() *bus.Bus { return a.bus }

// Media returns the pion engine, or nil when WithEngine replaced it.
func (a *App) Media() *media.Engine { return a.media }

// Connected reports whether the relay connection is up.
func (a *App) Connected() bool { return a.client.Connected() }

// Run clears a stale in-call flag, starts the metrics endpoint when
// configured and keeps the relay connection alive until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	a.gate.Recover(ctx)

	if a.cfg.MetricsAddr != "" {
		srv := a.metricsServer()
		go func() {
			a.log.Info("metrics on http://%s/metrics", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err := a.client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close hangs up any live call and releases every resource.
func (a *App) Close() error {
	err := a.manager.Close()

	a.signalsCancel()
	select {
	case <-a.signals.Done():
	case <-time.After(flushTimeout):
		a.log.Warn("outbound signals not flushed within %v", flushTimeout)
	}

	a.stop()
	a.bus.Close()
	return errors.Join(err, a.store.Close())
}

func (a *App) stop() {
	a.signalsCancel()
	a.cancel()
}

func (a *App) metricsServer() *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", a.metrics.Handler())
	return &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
