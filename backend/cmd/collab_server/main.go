package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"collab-core/backend/config"
	"collab-core/backend/internal/cache"
	"collab-core/backend/internal/collab"
	"collab-core/backend/internal/httpapi/handlers"
	"collab-core/backend/internal/httpapi/middleware"
	"collab-core/backend/internal/store"
	"collab-core/backend/internal/ws"
)

const kafkaEnqueueTimeout = 50 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d mysql=%t redis=%v kafka=%v", cfg.Running.Port, cfg.Mysql.DSN != "", cfg.Redis.Addrs, cfg.Kafka.Brokers)

	// 没有密钥也没有 auth 服务时拒绝启动
	verifier, err := middleware.NewVerifier(cfg.Auth.Path, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("auth not configured (set auth.jwtSecret, JWT_SECRET or auth.path): %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.Collab.Options()

	// 没有配置外部依赖时全部落在内存里，方便本地跑
	mem := store.NewMemoryStore()
	adapter := &store.Composite{
		SnapshotStore:   mem,
		OperationLog:    mem,
		AnnotationStore: mem,
		PresenceStore:   mem,
		SessionStore:    mem,
		AuditSink:       mem,
		CompactionLog:   mem,
	}
	var limiter collab.RateLimiter = collab.NewSlidingWindowLimiter(opts.MaxOpsPerMinute, time.Minute)

	// === MySQL：快照 + 操作日志走 database/sql，评论/建议/审计走 gorm ===
	if dsn := cfg.Mysql.DSN; dsn != "" {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		opLog := store.NewMySQLLog(db)
		if err := opLog.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema failed: %v", err)
		}
		adapter.SnapshotStore = opLog
		adapter.OperationLog = opLog

		gdb, err := store.OpenGorm(dsn)
		if err != nil {
			log.Fatalf("open gorm failed: %v", err)
		}
		annotations := store.NewGormAnnotations(gdb)
		if err := annotations.Migrate(ctx); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		adapter.AnnotationStore = annotations
		adapter.AuditSink = annotations
		adapter.CompactionLog = annotations
	}

	// === Redis：presence、会话表、跨节点限流 ===
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		presence := cache.NewRedisPresence(rdb, cfg.Collab.PresenceTTL)
		adapter.PresenceStore = presence
		adapter.SessionStore = presence
		if opts.MaxOpsPerMinute > 0 {
			limiter = cache.NewRedisRateLimiter(rdb, opts.MaxOpsPerMinute, time.Minute)
		}
	}

	hub := ws.NewHub(cfg.Collab.HeartbeatTimeout, cfg.Collab.HeartbeatCheckInterval)
	var events collab.EventSink = hub

	// === Kafka：操作流和审计流，尽力投递 ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl(8)
		dopt := collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}
		opsDispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, kafkaSem, dopt)
		defer opsDispatcher.Close()
		auditDispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.AuditTopic, kafkaSem, dopt)
		defer auditDispatcher.Close()

		events = collab.MultiSink{hub, collab.NewKafkaEventSink(opsDispatcher, kafkaEnqueueTimeout)}
		adapter.AuditSink = collab.AuditFanout{adapter.AuditSink, collab.NewKafkaAuditSink(auditDispatcher, kafkaEnqueueTimeout)}
	}

	registry := collab.NewRegistry(adapter, events, limiter, opts, cfg.Collab.RegistryOptions())
	registry.Start()
	hub.Run()

	var wsSem *collab.SemaphoreControl
	if cfg.Running.MaxConnections > 0 {
		wsSem = collab.NewSemaphoreControl(cfg.Running.MaxConnections)
	}
	manager := ws.NewManager(hub, registry, adapter, wsSem, ws.ManagerOptions{
		AllowedOrigins: cfg.Running.AllowedOrigins,
		SendBuffer:     cfg.Collab.SendBuffer,
	})

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if len(cfg.Running.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Running.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "documents": registry.Len(), "sessions": hub.SessionCount()})
	})
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware(verifier))
	g.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocumentHandler(registry).Register(g)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("collab server listening on %s", srv.Addr)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 先断开连接，再把每个文档 flush + 落快照
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown err=%v", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		log.Printf("registry close err=%v", err)
	}
}
