package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"gen-dispatch-server/modules/backend"
	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/common/changefeed"
	"gen-dispatch-server/modules/common/config"
	"gen-dispatch-server/modules/common/database"
	"gen-dispatch-server/modules/common/kv"
	"gen-dispatch-server/modules/common/memstore"
	"gen-dispatch-server/modules/common/notify"
	redisutil "gen-dispatch-server/modules/common/redis"
	"gen-dispatch-server/modules/dispatcher"
	"gen-dispatch-server/modules/progress"
	"gen-dispatch-server/modules/worker"
	"gen-dispatch-server/modules/workflow"
)

var startTime = time.Now()

// CORS 헤더 추가
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// 헬스 체크 엔드포인트
func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "gen-dispatch-server",
	})
}

// 서버 메트릭 조회 엔드포인트
func getMetrics(hub *progress.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server": map[string]interface{}{
				"uptime":    time.Since(startTime).String(),
				"startTime": startTime,
			},
			"progress": hub.Snapshot(),
		})
	}
}

// openStore - STORE_BACKEND 에 따라 Supabase 또는 in-memory
func openStore(cfg *config.Config) (dispatcher.Store, error) {
	if cfg.StoreBackend == "memory" {
		log.Println("⚠️  Using in-memory store (data is lost on restart)")
		return memstore.New(), nil
	}
	return database.NewClient(cfg)
}

// rotationPointers - Redis hash, ROTATION_STATE_PATH 가 있으면 로컬 SQLite 스냅샷을 함께 기록
func rotationPointers(cfg *config.Config, rdb kv.Store) kv.Store {
	if cfg.RotationStatePath == "" {
		return rdb
	}
	snap, err := kv.OpenSnapshot(cfg.RotationStatePath)
	if err != nil {
		log.Printf("⚠️  Rotation snapshot disabled: %v", err)
		return rdb
	}
	log.Printf("💾 Rotation snapshot: %s", cfg.RotationStatePath)
	return kv.NewLayered(rdb, snap)
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.NtfyServer == "" {
		return notify.LogNotifier{}
	}
	log.Printf("🔔 Notifications: %s (%s-*)", cfg.NtfyServer, cfg.NtfyTopicPrefix)
	return notify.NewNtfy(notify.NtfyOptions{Server: cfg.NtfyServer, TopicPrefix: cfg.NtfyTopicPrefix})
}

// startChangeFeeds - model_quotas → quota cache, provider_api_keys → 키 대기 job 재dispatch
func startChangeFeeds(ctx context.Context, cfg *config.Config, d *dispatcher.Dispatcher, notifier notify.Notifier) {
	if cfg.DatabaseURL == "" {
		log.Println("⚠️  DATABASE_URL not set, change feeds disabled")
		return
	}
	feed := changefeed.New(cfg.DatabaseURL)

	quotaEvents, err := feed.Watch(ctx, "model_quotas_changes")
	if err != nil {
		notifier.Notify(ctx, notify.ChangeFeedDown, err.Error(), map[string]interface{}{"table": "model_quotas"})
	} else {
		go d.Quota().Run(ctx, quotaEvents)
	}

	keyEvents, err := feed.Watch(ctx, "provider_api_keys_changes")
	if err != nil {
		notifier.Notify(ctx, notify.ChangeFeedDown, err.Error(), map[string]interface{}{"table": "provider_api_keys"})
	} else {
		go d.WatchKeys(ctx, keyEvents)
	}
}

func runHubCleanup(ctx context.Context, hub *progress.Hub) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Cleanup(30 * time.Minute)
		}
	}
}

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis 연결
	rdb := redisutil.Connect(cfg)
	if rdb == nil {
		log.Fatal("❌ Failed to connect to Redis")
	}
	log.Println("✅ Redis connected successfully")

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize store: %v", err)
	}

	notifier := newNotifier(cfg)
	maintenance := redisutil.NewMaintenanceFlag(rdb, cfg.MaintenanceKey)
	queue := redisutil.NewQueue(rdb, cfg.JobQueueKey)

	generators := backend.NewRegistry()
	generators.SetFallback(backend.NewGemini(cfg.GeminiModel, cfg.WebPQuality))

	workflows, err := workflow.LoadBuiltin()
	if err != nil {
		log.Fatalf("❌ Failed to load workflow definitions: %v", err)
	}
	if cfg.WorkflowDir != "" {
		if err := workflows.LoadDir(cfg.WorkflowDir); err != nil {
			log.Fatalf("❌ Failed to load workflows from %s: %v", cfg.WorkflowDir, err)
		}
	}
	log.Printf("📋 Workflows: %v", workflows.IDs())

	hub := progress.NewHub()
	go runHubCleanup(ctx, hub)

	d := dispatcher.New(dispatcher.Options{
		Store:             store,
		Pointers:          rotationPointers(cfg, kv.NewRedisStore(rdb, cfg.RotationStateKey)),
		Classifier:        classifier.New(classifier.Options{Keyless: cfg.KeylessProviders}),
		Backend:           generators,
		Workflows:         workflows,
		Notifier:          notifier,
		Maintenance:       maintenance,
		Progress:          hub.Publish,
		GenerationTimeout: cfg.GenerationTimeout,
		MaxRotations:      cfg.MaxRotations,
		MaxRetries:        cfg.MaxWorkflowRetries,
		RetryInterval:     cfg.RetryInterval,
		SweepInterval:     cfg.SweepInterval,
	})

	if err := d.Start(ctx); err != nil {
		log.Fatalf("❌ Failed to start dispatcher: %v", err)
	}
	if _, err := d.Recover(ctx); err != nil {
		log.Printf("⚠️  Startup recovery incomplete: %v", err)
	}

	go d.Scheduler().Run(ctx)
	go d.RunSweeper(ctx)
	startChangeFeeds(ctx, cfg, d, notifier)

	// Redis Queue Worker 시작 (백그라운드)
	go worker.NewWorker(queue, d).Run(ctx)

	// 라우터 설정
	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc("/", healthCheck).Methods("GET")
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ws", hub.ServeWS)
	r.HandleFunc("/metrics", getMetrics(hub)).Methods("GET")
	worker.NewEnqueueHandler(queue, store).RegisterRoutes(r)
	worker.NewAdminHandler(store, maintenance, d, hub).RegisterRoutes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		log.Println("🛑 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Generation Dispatch Server starting on port %s", cfg.Port)
	log.Printf("📡 Progress endpoint: ws://localhost:%s/ws?job=<job_id>", cfg.Port)
	log.Printf("❤️  Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("📊 Status: http://localhost:%s/api/status", cfg.Port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}

	// 진행 중인 generation 은 끝까지 기다림
	d.Wait()
	log.Println("👋 Server stopped")
}
