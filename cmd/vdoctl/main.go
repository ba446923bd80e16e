// Command vdoctl serves one vdostore engine over HTTP: a data path for
// logical reads and writes, an admin surface for suspend/resume/grow/
// read-only operations plus a live admin-event stream, and a Prometheus
// scrape endpoint.
//
//	┌──────────────────────────────────────────┐
//	│                 vdoctl                    │
//	├──────────────────────────────────────────┤
//	│  /data/{lbn}   PUT/GET/DELETE - I/O+discard│
//	│  /admin/state  GET      - drain state     │
//	│  /admin/suspend POST    - drain & latch   │
//	│  /admin/resume  POST    - reverse suspend │
//	│  /admin/grow    POST    - append slabs    │
//	│  /admin/readonly POST   - latch read-only │
//	│  /admin/stream  GET     - websocket feed  │
//	│  /metrics      GET      - Prometheus      │
//	│  /health       GET      - liveness        │
//	└──────────────────────────────────────────┘
//
// The backing store is an in-memory collaborator.MemoryIOSubmitter:
// vdoctl is a reference client for the engine, not a device driver, so
// every run starts from (and returns to) an empty volume.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/config"
	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/vdo"
)

func main() {
	app := kingpin.New("vdoctl", "Serve and administer a vdostore metadata engine.")
	cfgPath := app.Flag("config", "Path to a YAML configuration file.").String()
	format := app.Flag("format", "Format a fresh volume instead of loading an existing one.").Default("true").Bool()

	cfg := config.Default()
	config.BindFlags(app, &cfg)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		app.FatalUsage("%v", err)
	}

	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("vdoctl: %v", err)
		}
		// Rebind every flag with the file's values as its defaults, so
		// the second parse keeps them for any flag the command line omits.
		cfg = loaded
		app = kingpin.New("vdoctl", "Serve and administer a vdostore metadata engine.")
		cfgPath = app.Flag("config", "Path to a YAML configuration file.").String()
		format = app.Flag("format", "Format a fresh volume instead of loading an existing one.").Default("true").Bool()
		config.BindFlags(app, &cfg)
		if _, err := app.Parse(os.Args[1:]); err != nil {
			app.FatalUsage("%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, *format)
	if err != nil {
		log.Fatalf("vdoctl: %v", err)
	}
	srv.engine.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/data/", srv.handleData)
	mux.HandleFunc("/admin/state", srv.handleState)
	mux.HandleFunc("/admin/suspend", srv.handleSuspend)
	mux.HandleFunc("/admin/resume", srv.handleResume)
	mux.HandleFunc("/admin/grow", srv.handleGrow)
	mux.HandleFunc("/admin/readonly", srv.handleReadOnly)
	mux.HandleFunc("/admin/stream", srv.handleStream)
	mux.Handle("/metrics", srv.metricsHandler())

	httpSrv := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("vdoctl listening on %s", cfg.StatsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("vdoctl: listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("vdoctl: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.engine.Suspend(shutdownCtx); err != nil {
		log.Printf("vdoctl: suspend: %v", err)
	}
	srv.engine.Close()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("vdoctl: http shutdown: %v", err)
	}
	log.Println("vdoctl: stopped")
}

// server holds the running engine and the set of admin-stream
// subscribers that want to hear about state transitions.
type server struct {
	engine  *vdo.Engine
	promReg *prometheus.Registry

	mu          sync.Mutex
	subscribers map[*websocket.Conn]struct{}
}

func newServer(ctx context.Context, cfg config.Config, format bool) (*server, error) {
	data := collaborator.NewMemoryIOSubmitter()
	dedupe := collaborator.NewMemoryDedupeIndex()
	compressor := collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 256}
	hasher := collaborator.Sha256Hasher{}

	var (
		engine *vdo.Engine
		err    error
	)
	if format {
		engine, err = vdo.New(ctx, cfg, data, dedupe, compressor, hasher)
	} else {
		engine, err = vdo.Load(ctx, cfg, data, dedupe, compressor, hasher)
	}
	if err != nil {
		return nil, fmt.Errorf("vdoctl: starting engine: %w", err)
	}

	promReg := prometheus.NewRegistry()
	if err := engine.StatsRegistry().Register(promReg); err != nil {
		return nil, fmt.Errorf("vdoctl: registering engine metrics: %w", err)
	}
	promReg.MustRegister(prommod.NewCollector("vdoctl"))

	return &server{
		engine:      engine,
		promReg:     promReg,
		subscribers: make(map[*websocket.Conn]struct{}),
	}, nil
}

// handleData serves PUT (logical write) and GET (logical read) against
// /data/{lbn}, mirroring torua's /data/{key} route one layer down: the
// key here is a logical block number rather than a free-form string.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	lbn, err := parseLBN(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		raw, err := io.ReadAll(io.LimitReader(r.Body, physical.BlockSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body := make([]byte, physical.BlockSize)
		copy(body, raw)
		if _, err := s.engine.Write(r.Context(), lbn, body); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		_, data, err := s.engine.Read(r.Context(), lbn)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)

	case http.MethodDelete:
		if _, err := s.engine.Discard(r.Context(), lbn); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseLBN(path string) (physical.LBN, error) {
	key := strings.TrimPrefix(path, "/data/")
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid logical block number %q", key)
	}
	return physical.LBN(n), nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusConflict)
}

// handleState reports the admin state machine's current phase.
func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"state":     s.engine.Admin().State().String(),
		"read_only": s.engine.Admin().ReadOnly(),
	})
}

func (s *server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Suspend(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	s.broadcast("suspended")
	writeJSON(w, map[string]any{"state": s.engine.Admin().State().String()})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	s.broadcast("resumed")
	writeJSON(w, map[string]any{"state": s.engine.Admin().State().String()})
}

// handleGrow expects a JSON body {"slabs": N} naming how many fresh
// slabs to append.
func (s *server) handleGrow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slabs int `json:"slabs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.Grow(r.Context(), body.Slabs); err != nil {
		writeEngineError(w, err)
		return
	}
	s.broadcast(fmt.Sprintf("grew by %d slabs", body.Slabs))
	writeJSON(w, map[string]any{"state": s.engine.Admin().State().String()})
}

func (s *server) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	s.engine.EnterReadOnly()
	s.broadcast("entered read-only")
	writeJSON(w, map[string]any{"read_only": s.engine.Admin().ReadOnly()})
}

// metricsHandler returns the Prometheus scrape handler. Each scrape
// refreshes the engine's gauges from its live atomic counters first, so
// the exported values are never older than one request's round trip.
func (s *server) metricsHandler() http.Handler {
	refreshing := promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.engine.StatsRegistry().Refresh()
		refreshing.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and pushes one JSON event per
// admin-surface operation a caller of this server performs, until the
// client disconnects.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("vdoctl: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.subscribers[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, conn)
		s.mu.Unlock()
	}()

	conn.WriteJSON(map[string]any{"event": "connected", "state": s.engine.Admin().State().String()})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("vdoctl: websocket read: %v", err)
			}
			return
		}
	}
}

func (s *server) broadcast(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.subscribers {
		conn.WriteJSON(map[string]any{"event": event, "state": s.engine.Admin().State().String()})
	}
}
