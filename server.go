package txnd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/core"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/httpapi"
	"pkt.systems/txnd/internal/lease"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/participant/httpparticipant"
	"pkt.systems/txnd/internal/taskpool"
	"pkt.systems/txnd/internal/txnlog"
)

// Server wraps the HTTP server, the durable log and the transaction manager.
type Server struct {
	cfg        Config
	instanceID string
	logger     pslog.Logger
	log        txnlog.Log
	ownsLog    bool
	pool       *taskpool.Pool
	service    *core.Service
	httpSrv    *http.Server
	listener   net.Listener
	telemetry  *telemetryBundle
	ready      atomic.Bool

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
	recovered core.RecoveryStats
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger    pslog.Logger
	log       txnlog.Log
	clock     clock.Clock
	resolvers map[string]participant.Resolver
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithLog injects a pre-built log (useful for tests). The caller keeps
// ownership; Shutdown does not close it.
func WithLog(l txnlog.Log) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithResolver serves participants of kind through r in addition to the
// built-in http resolver.
func WithResolver(kind string, r participant.Resolver) Option {
	return func(o *options) {
		if o.resolvers == nil {
			o.resolvers = make(map[string]participant.Resolver)
		}
		o.resolvers[kind] = r
	}
}

// NewServer wires the log, pools, manager and HTTP stack described by cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := o.clock
	if clk == nil {
		clk = clock.Real{}
	}
	instanceID := uuid.NewString()

	telemetry, err := setupTelemetry(context.Background(), cfg.telemetry(), loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanupTelemetry := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}

	storeLogger := loggingutil.WithSubsystem(logger, "txnlog")
	txLog := o.log
	ownsLog := false
	if txLog == nil {
		txLog, err = openStore(cfg, storeLogger, clk)
		if err != nil {
			cleanupTelemetry()
			return nil, err
		}
		ownsLog = true
	}

	registry := participant.NewRegistry()
	remote := &httpparticipant.Resolver{HTTPClient: httpparticipant.NewHTTPClient(cfg.ParticipantTimeout)}
	if cfg.DisableHTTPTracing {
		remote.HTTPClient.Transport = correlation.Transport{}
	}
	registry.Register(httpparticipant.Kind, remote)
	for kind, r := range o.resolvers {
		registry.Register(kind, r)
	}

	pool := taskpool.New(taskpool.Config{
		Name:       "participants",
		Workers:    cfg.ParticipantWorkers,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: cfg.RetryMultiplier,
		Clock:      clk,
		Logger:     logger,
	})
	service, err := core.New(core.Config{
		Log:                 txLog,
		Pool:                pool,
		Resolver:            registry,
		Lease:               lease.Policy{Default: cfg.DefaultLease, Max: cfg.MaxLease},
		Clock:               clk,
		Logger:              logger,
		CallTimeout:         cfg.ParticipantTimeout,
		PrepareAttempts:     cfg.PrepareAttempts,
		AbortAttempts:       cfg.AbortAttempts,
		SettlerWorkers:      cfg.SettlerWorkers,
		SettlerRequeueDelay: cfg.SettlerRequeueDelay,
		SettlerRequeueRate:  cfg.SettlerRequeueRate,
		RetainSettled:       cfg.RetainSettled,
	})
	if err != nil {
		_ = pool.Close(context.Background())
		if ownsLog {
			_ = txLog.Close()
		}
		cleanupTelemetry()
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     loggingutil.WithSubsystem(logger, "server").With("instance_id", instanceID),
		log:        txLog,
		ownsLog:    ownsLog,
		pool:       pool,
		service:    service,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{
		Manager:       service,
		Logger:        logger,
		Ready:         s.ready.Load,
		EnableTracing: !cfg.DisableHTTPTracing,
	}).Register(mux)
	s.httpSrv = &http.Server{
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(httpErrorWriter{logger: loggingutil.WithSubsystem(logger, "server.http")}, "", 0),
	}
	return s, nil
}

// Handler returns the API handler so txnd can be mounted inside an existing
// mux. Embedders call Recover before routing traffic to it.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Recover replays the log. Start calls it before serving.
func (s *Server) Recover(ctx context.Context) (core.RecoveryStats, error) {
	recoverCtx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout)
	defer cancel()
	stats, err := s.service.Recover(recoverCtx)
	if err != nil {
		return stats, fmt.Errorf("recover log: %w", err)
	}
	s.mu.Lock()
	s.recovered = stats
	s.mu.Unlock()
	s.ready.Store(true)
	return stats, nil
}

// Start binds the listener, replays the log and serves until Shutdown. The
// listener accepts connections during recovery; they are served once it
// completes.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	stats, err := s.Recover(context.Background())
	if err != nil {
		s.logger.Error("server.recover.failed", "error", err)
		_ = ln.Close()
		s.signalReady()
		return err
	}
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
		"recovered", stats.Transactions,
	)
	s.signalReady()
	serveErr := s.httpSrv.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, stops the manager and settler, drains
// the participant pool and closes the log and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.ready.Store(false)

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager shutdown: %w", err))
	}
	if err := s.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("participant pool shutdown: %w", err))
	}
	if s.ownsLog {
		if err := s.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("log close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	live, settling := s.service.Pending()
	if len(errs) > 0 {
		s.logger.Warn("server.shutdown.failed", "live", live, "settling", settling, "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete", "live", live, "settling", settling)
	return nil
}

// Close gracefully shuts the server down within the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound and recovery finished,
// or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		if !s.ready.Load() {
			return errors.New("txnd: server failed to start")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound metrics listener, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.metricsAddr
}

// Recovered reports what the last Recover replayed.
func (s *Server) Recovered() core.RecoveryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// InstanceID identifies this server process in logs.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// StartServer starts a server in the background and waits until it is ready.
// The returned stop function shuts it down; it also runs when ctx ends.
//
//	srv, stop, err := txnd.StartServer(ctx, txnd.Config{Store: "disk:///var/lib/txnd"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = errors.Join(stopErr, err)
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// httpErrorWriter routes net/http server errors into the structured logger.
type httpErrorWriter struct {
	logger pslog.Logger
}

func (w httpErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("server.http.error", "message", string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
