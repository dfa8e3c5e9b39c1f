package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mnohosten/reldb/pkg/lockmgr"
	"github.com/mnohosten/reldb/pkg/metrics"
	"github.com/mnohosten/reldb/pkg/storage"
	"github.com/mnohosten/reldb/pkg/txn"
)

// Server is the admin/observability HTTP server fronting a storage
// engine, lock manager and transaction manager: health, aggregate
// stats, a Prometheus endpoint, the lock manager's current wait-for
// graph, the slow lock wait log, and a websocket feed of the same for
// a live dashboard.
type Server struct {
	config    *Config
	storage   *storage.StorageEngine
	lockMgr   *lockmgr.Manager
	txnMgr    *txn.Manager
	router    *chi.Mux
	httpSrv   *http.Server
	startTime time.Time

	metricsCollector *metrics.MetricsCollector
	resourceTracker  *metrics.ResourceTracker
	promExporter     *metrics.PrometheusExporter
	slowLockLog      *metrics.SlowLockWaitLog

	feed *liveFeedManager
}

// New creates a new admin server instance, opening the storage engine
// and wiring the lock manager, transaction manager, and metrics
// collection together.
func New(config *Config) (*Server, error) {
	if config.EnableTLS {
		if config.TLSCertFile == "" || config.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled but certificate or key file not specified")
		}
		if _, err := os.Stat(config.TLSCertFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("TLS certificate file not found: %s", config.TLSCertFile)
		}
		if _, err := os.Stat(config.TLSKeyFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("TLS key file not found: %s", config.TLSKeyFile)
		}
	}

	storageConfig := &storage.Config{
		DataDir:        config.DataDir,
		BufferPoolSize: config.BufferSize,
	}
	engine, err := storage.NewStorageEngine(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage engine: %w", err)
	}

	// The lock manager needs a transaction lookup at construction and
	// the transaction manager needs a lock releaser at construction, so
	// neither can be built first. Build the lock manager with a nil
	// lookup, build the transaction manager from it, then wire the
	// lookup back in.
	lockMgr := lockmgr.NewManager(nil)
	txnMgr := txn.NewManager(lockMgr, engine.WAL())
	lockMgr.SetTransactionLookup(txnMgr)

	metricsCollector := metrics.NewMetricsCollector()
	resourceTracker := metrics.NewResourceTracker(nil)
	promExporter := metrics.NewPrometheusExporter(metricsCollector, resourceTracker)

	slowLockLog, err := metrics.NewSlowLockWaitLog(&metrics.SlowLockWaitLogConfig{
		Threshold:      config.SlowLockWaitThreshold,
		MaxEntries:     1000,
		Enabled:        true,
		IncludeProfile: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create slow lock wait log: %w", err)
	}

	engine.SetMetricsCollector(metricsCollector)
	lockMgr.SetMetricsCollector(metricsCollector)
	lockMgr.SetSlowLockWaitLog(slowLockLog)
	txnMgr.SetMetricsCollector(metricsCollector)

	lockMgr.StartDeadlockDetector(config.DetectionInterval)

	srv := &Server{
		config:           config,
		storage:          engine,
		lockMgr:          lockMgr,
		txnMgr:           txnMgr,
		router:           chi.NewRouter(),
		startTime:        time.Now(),
		metricsCollector: metricsCollector,
		resourceTracker:  resourceTracker,
		promExporter:     promExporter,
		slowLockLog:      slowLockLog,
	}

	srv.feed = newLiveFeedManager(srv)

	srv.setupMiddleware()
	srv.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return srv, nil
}

// setupMiddleware configures the HTTP middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableLogging {
		s.router.Use(middleware.Logger)
	}

	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}

	s.router.Use(s.requestSizeLimitMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

// setupRoutes configures the admin/observability routes.
func (s *Server) setupRoutes() {
	s.router.Get("/_health", s.jsonContentType(s.handleHealth))
	s.router.Get("/_stats", s.jsonContentType(s.handleStats))
	s.router.Get("/_waitgraph", s.jsonContentType(s.handleWaitForGraph))
	s.router.Get("/_slowlocks", s.jsonContentType(s.handleSlowLockWaits))
	s.router.Get("/_metrics", s.handlePrometheusMetrics)
	s.router.Get("/_feed", s.feed.HandleLiveFeed)
}

// jsonContentType wraps a handler to set the JSON content type.
func (s *Server) jsonContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// corsMiddleware handles CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.config.AllowedOrigins) > 0 {
			origin = s.config.AllowedOrigins[0]
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestSizeLimitMiddleware limits request body size.
func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports liveness and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats reports aggregate storage, lock manager and transaction
// manager statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"storage":             s.storage.Stats(),
		"active_transactions": s.txnMgr.ActiveCount(),
		"wait_for_edges":      len(s.lockMgr.EdgeList()),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
	})
}

// waitForEdge is the JSON shape of one wait-for-graph edge: waiter is
// blocked on holder.
type waitForEdge struct {
	Waiter int64 `json:"waiter_txn_id"`
	Holder int64 `json:"holder_txn_id"`
}

// handleWaitForGraph reports the lock manager's current wait-for graph.
func (s *Server) handleWaitForGraph(w http.ResponseWriter, r *http.Request) {
	edges := s.lockMgr.EdgeList()
	out := make([]waitForEdge, len(edges))
	for i, e := range edges {
		out[i] = waitForEdge{Waiter: int64(e[0]), Holder: int64(e[1])}
	}
	WriteSuccess(w, map[string]interface{}{"edges": out})
}

// handleSlowLockWaits reports recent lock acquisitions that blocked
// longer than the configured threshold.
func (s *Server) handleSlowLockWaits(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"entries":    s.slowLockLog.GetRecentEntries(100),
		"statistics": s.slowLockLog.GetStatistics(),
	})
}

// handlePrometheusMetrics exposes metrics in Prometheus text format.
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.promExporter.WriteMetrics(w); err != nil {
		http.Error(w, fmt.Sprintf("Error writing metrics: %v", err), http.StatusInternalServerError)
		return
	}
}

// Start runs the HTTP server until an error occurs or a termination
// signal arrives, then shuts down gracefully.
func (s *Server) Start() error {
	protocol := "http"
	if s.config.EnableTLS {
		protocol = "https"
		fmt.Printf("TLS enabled, certificate: %s\n", s.config.TLSCertFile)
	}
	fmt.Printf("reldb admin server starting on %s://%s:%d\n", protocol, s.config.Host, s.config.Port)
	fmt.Printf("data directory: %s\n", s.config.DataDir)
	fmt.Printf("buffer pool size: %d pages\n", s.config.BufferSize)
	fmt.Printf("live feed: ws://%s:%d/_feed\n", s.config.Host, s.config.Port)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpSrv.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		fmt.Printf("received signal: %v\n", sig)
		return s.Shutdown()
	}
}

// StorageEngine returns the underlying storage engine.
func (s *Server) StorageEngine() *storage.StorageEngine {
	return s.storage
}

// LockManager returns the underlying lock manager.
func (s *Server) LockManager() *lockmgr.Manager {
	return s.lockMgr
}

// TransactionManager returns the underlying transaction manager.
func (s *Server) TransactionManager() *txn.Manager {
	return s.txnMgr
}

// GetMetricsCollector returns the metrics collector.
func (s *Server) GetMetricsCollector() *metrics.MetricsCollector {
	return s.metricsCollector
}

// GetResourceTracker returns the resource tracker.
func (s *Server) GetResourceTracker() *metrics.ResourceTracker {
	return s.resourceTracker
}

// Shutdown gracefully shuts down the server and its background workers.
func (s *Server) Shutdown() error {
	fmt.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		fmt.Printf("server shutdown error: %v\n", err)
	}

	s.feed.Close()

	s.lockMgr.StopDeadlockDetector()

	if s.resourceTracker != nil {
		s.resourceTracker.Disable()
	}
	s.slowLockLog.Close()

	if err := s.storage.Close(); err != nil {
		fmt.Printf("storage engine close error: %v\n", err)
		return err
	}

	fmt.Println("server shutdown complete")
	return nil
}

// liveFeedManager pushes periodic buffer pool and wait-for graph
// snapshots to connected websocket clients.
type liveFeedManager struct {
	srv *Server

	mu    sync.RWMutex
	conns map[*liveFeedConn]struct{}

	upgrader websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

type liveFeedConn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

type feedSnapshot struct {
	Timestamp          time.Time     `json:"timestamp"`
	BufferPoolHitRate  float64       `json:"buffer_pool_hit_rate"`
	ActiveTransactions int           `json:"active_transactions"`
	WaitForEdges       []waitForEdge `json:"wait_for_edges"`
}

func newLiveFeedManager(srv *Server) *liveFeedManager {
	return &liveFeedManager{
		srv:   srv,
		conns: make(map[*liveFeedConn]struct{}),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleLiveFeed upgrades the connection and streams a feedSnapshot
// every second until the client disconnects or the server shuts down.
func (fm *liveFeedManager) HandleLiveFeed(w http.ResponseWriter, r *http.Request) {
	wsConn, err := fm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &liveFeedConn{conn: wsConn, cancel: cancel}

	fm.mu.Lock()
	fm.conns[c] = struct{}{}
	fm.mu.Unlock()

	go fm.readLoop(c)
	go fm.writeLoop(ctx, c)
}

// readLoop drains and discards client messages purely to detect
// disconnects; this feed is one-directional.
func (fm *liveFeedManager) readLoop(c *liveFeedConn) {
	defer fm.removeConn(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.cancel()
			return
		}
	}
}

func (fm *liveFeedManager) writeLoop(ctx context.Context, c *liveFeedConn) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	defer fm.removeConn(c)

	for {
		select {
		case <-ctx.Done():
			return
		case <-fm.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteJSON(fm.snapshot()); err != nil {
				return
			}
		}
	}
}

func (fm *liveFeedManager) snapshot() feedSnapshot {
	raw := fm.srv.metricsCollector.GetMetrics()
	var hitRate float64
	if bp, ok := raw["buffer_pool"].(map[string]interface{}); ok {
		hitRate, _ = bp["hit_rate"].(float64)
	}

	edges := fm.srv.lockMgr.EdgeList()
	out := make([]waitForEdge, len(edges))
	for i, e := range edges {
		out[i] = waitForEdge{Waiter: int64(e[0]), Holder: int64(e[1])}
	}

	return feedSnapshot{
		Timestamp:          time.Now(),
		BufferPoolHitRate:  hitRate,
		ActiveTransactions: fm.srv.txnMgr.ActiveCount(),
		WaitForEdges:       out,
	}
}

func (fm *liveFeedManager) removeConn(c *liveFeedConn) {
	fm.mu.Lock()
	delete(fm.conns, c)
	fm.mu.Unlock()
	c.conn.Close()
}

// Close tears down every live connection. Safe to call once.
func (fm *liveFeedManager) Close() {
	fm.closeOnce.Do(func() {
		close(fm.done)

		fm.mu.Lock()
		conns := make([]*liveFeedConn, 0, len(fm.conns))
		for c := range fm.conns {
			conns = append(conns, c)
		}
		fm.mu.Unlock()

		for _, c := range conns {
			c.cancel()
			c.conn.Close()
		}
	})
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Printf("Error encoding JSON response: %v\n", err)
	}
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, errorType, message string) {
	response := map[string]interface{}{
		"ok":      false,
		"error":   errorType,
		"message": message,
		"code":    statusCode,
	}
	WriteJSON(w, statusCode, response)
}

// WriteSuccess writes a success response.
func WriteSuccess(w http.ResponseWriter, result interface{}) {
	response := map[string]interface{}{
		"ok":     true,
		"result": result,
	}
	WriteJSON(w, http.StatusOK, response)
}

// WriteSuccessWithCount writes a success response with a count.
func WriteSuccessWithCount(w http.ResponseWriter, result interface{}, count int) {
	response := map[string]interface{}{
		"ok":     true,
		"result": result,
		"count":  count,
	}
	WriteJSON(w, http.StatusOK, response)
}
