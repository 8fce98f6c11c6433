package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	persistlog "strategia.ai/internal/persistence/log"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/demo"
	"strategia.ai/internal/sim/tuning"
	"strategia.ai/internal/sim/world"
	"strategia.ai/internal/sim/worlddef"
	"strategia.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		worldPath  = flag.String("world_def", "", "path to world.yaml (default: <configs>/world.yaml)")
		catPath    = flag.String("catalog", "", "path to catalog.yaml (default: <configs>/catalog.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the flush/session index")
		journal    = flag.Bool("journal", true, "record every outbound frame for cmd/replay")

		demoOn   = flag.Bool("demo", false, "drive the world with scripted activity")
		demoSeed = flag.Int64("demo_seed", 1, "demo driver seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	orDefault := func(p, name string) string {
		if strings.TrimSpace(p) != "" {
			return p
		}
		return filepath.Join(*configDir, name)
	}

	tp := orDefault(*tuningPath, "tuning.yaml")
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	def, err := worlddef.Load(orDefault(*worldPath, "world.yaml"))
	if err != nil {
		logger.Fatalf("load world: %v", err)
	}
	cat, err := catalogs.Load(orDefault(*catPath, "catalog.yaml"))
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	// Optional: read-model index (does not affect replication).
	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalog(cat, tune); err != nil {
			logger.Printf("index backend: upsert catalog: %v", err)
		}
	}

	hub := ws.NewHub(ws.HubConfig{
		CompressThreshold: tune.Transport.CompressThreshold,
		DefaultQueue:      tune.Transport.DefaultQueue,
		MaxQueue:          tune.Transport.MaxQueue,
	})
	w, err := world.New(world.Config{
		ID:          *worldID,
		SimRateHz:   tune.SimRateHz,
		FlushRateHz: tune.FlushRateHz,
	}, def, cat, hub, logger)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	flushLog := persistlog.NewFlushLogger(worldDir)
	sessionLog := persistlog.NewSessionLogger(worldDir)
	defer flushLog.Close()
	defer sessionLog.Close()
	w.SetFlushLogger(multiFlushLogger{a: flushLog, b: idx})
	w.SetSessionLogger(multiSessionLogger{a: sessionLog, b: idx})
	if *journal {
		frames := persistlog.NewFrameJournal(worldDir)
		defer frames.Close()
		w.SetFrameLogger(frames)
	}
	if *demoOn {
		cfg := demo.Defaults()
		cfg.Seed = *demoSeed
		w.SetDriver(demo.Driver(cfg))
		logger.Printf("demo driver enabled seed=%d", cfg.Seed)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	wsSrv := ws.NewServer(w, hub, logger)
	wsSrv.SetTimeouts(
		time.Duration(tune.Transport.WriteTimeoutMs)*time.Millisecond,
		time.Duration(tune.Transport.ReadTimeoutMs)*time.Millisecond,
	)
	a := &app{
		worldID: *worldID,
		world:   w,
		hub:     hub,
		ws:      wsSrv,
		idx:     idx,
		logger:  logger,
		admin:   envBool("SG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		pprof:   envBool("SG_ENABLE_PPROF_HTTP", false),
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s world=%s factions=%d cells=%d units=%d types=%d",
		*addr, *worldID, len(def.Factions), len(def.Cells), len(def.Units), len(cat.Types()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

type app struct {
	worldID string
	world   *world.World
	hub     *ws.Hub
	ws      *ws.Server
	idx     runtimeIndex
	logger  *log.Logger

	admin bool
	pprof bool
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := a.world.Metrics()
		if m.Tick == 0 {
			m.Tick = a.world.CurrentTick()
		}
		if a.idx != nil {
			st := a.idx.Stats()
			writeMetrics(rw, a.worldID, m, a.hub, &st)
			return
		}
		writeMetrics(rw, a.worldID, m, a.hub, nil)
	})

	if a.admin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", a.loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				WorldID  string             `json:"world_id"`
				Tick     uint64             `json:"tick"`
				Sequence uint64             `json:"seq"`
				Metrics  world.WorldMetrics `json:"metrics"`
			}{
				WorldID:  a.worldID,
				Tick:     a.world.CurrentTick(),
				Sequence: a.world.Sequence(),
				Metrics:  a.world.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		}))
		mux.HandleFunc("/admin/v1/flushes", a.loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if a.idx == nil {
				http.Error(rw, "index disabled", http.StatusServiceUnavailable)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			rows, err := a.idx.RecentFlushes(r.Context(), limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"flushes": rows})
		}))
		mux.HandleFunc("/admin/v1/sessions", a.loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if a.idx == nil {
				http.Error(rw, "index disabled", http.StatusServiceUnavailable)
				return
			}
			client := strings.TrimSpace(r.URL.Query().Get("client"))
			if client == "" {
				http.Error(rw, "missing client", http.StatusBadRequest)
				return
			}
			events, err := a.idx.SessionEvents(r.Context(), client)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"client_id": client, "events": events})
		}))
	} else {
		a.logger.Printf("admin endpoints disabled (SG_ENABLE_ADMIN_HTTP=false)")
	}
	if a.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		a.logger.Printf("pprof endpoints disabled (SG_ENABLE_PPROF_HTTP=false)")
	}
	if a.ws != nil {
		mux.HandleFunc("/v1/ws", a.ws.Handler())
	}
	return mux
}

func (a *app) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

type multiFlushLogger struct {
	a world.FlushLogger
	b world.FlushLogger
}

func (m multiFlushLogger) WriteFlush(entry world.FlushEntry) error {
	if m.a != nil {
		_ = m.a.WriteFlush(entry)
	}
	if m.b != nil {
		_ = m.b.WriteFlush(entry)
	}
	return nil
}

type multiSessionLogger struct {
	a world.SessionLogger
	b world.SessionLogger
}

func (m multiSessionLogger) WriteSession(entry world.SessionEntry) error {
	if m.a != nil {
		_ = m.a.WriteSession(entry)
	}
	if m.b != nil {
		_ = m.b.WriteSession(entry)
	}
	return nil
}
