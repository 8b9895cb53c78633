package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"collabsync/backend/config"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

// openStore 按配置选择存储后端，返回的 cleanup 在退出时调用
func openStore(ctx context.Context, cfg *config.CollabConfig) (store.DocumentStore, func(), error) {
	switch cfg.Store.Driver {
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		s := store.NewGormStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		cleanup := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return s, cleanup, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, s.Close, nil
	case "memory", "":
		log.Printf("using in-memory document store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// openPresence 没配 Redis 时用进程内实现，只适合单实例
func openPresence(ctx context.Context, cfg *config.CollabConfig) (cache.Tracker, func(), error) {
	if len(cfg.Redis.Addrs) == 0 {
		log.Printf("redis not configured, presence is process-local")
		return cache.NewLocalPresence(cfg.Redis.PresenceTTL), func() {}, nil
	}
	// 一个地址是单机，多个地址自动走 cluster
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return cache.NewRedisPresence(rdb, cfg.Redis.PresenceTTL), func() { _ = rdb.Close() }, nil
}

// openOpSink Kafka 是可选的，没配 broker 就不投递
func openOpSink(cfg *config.CollabConfig) (collab.OpSink, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Printf("kafka not configured, relayed ops are not published")
		return nil, func() {}, nil
	}
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka: %w", err)
	}

	// Kafka 本地队列 + worker 重试发送
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(collab.DefaultSemaphore),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	cleanup := func() {
		// 先把队列里剩下的发完再关 producer
		dispatcher.Close()
		_ = producer.Close()
	}
	return dispatcher, cleanup, nil
}

func main() {
	cfg, err := config.LoadCollab()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d store=%s redis=%v kafka=%v", cfg.Running.Port, cfg.Store.Driver, cfg.Redis.Addrs, cfg.Kafka.Brokers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init document store failed: %v", err)
	}
	defer closeStore()

	presence, closePresence, err := openPresence(ctx, cfg)
	if err != nil {
		log.Fatalf("init presence failed: %v", err)
	}
	defer closePresence()

	sink, closeSink, err := openOpSink(cfg)
	if err != nil {
		log.Fatalf("init kafka failed: %v", err)
	}
	defer closeSink()

	hub := ws.NewHub(presence, sink, ws.HubOptions{InboxSize: cfg.WS.InboxSize})
	hubErr := make(chan error, 1)
	go func() { hubErr <- hub.Run(ctx, cfg.Redis.ResyncEvery) }()

	manager := ws.NewManager(hub, cfg.WS.AllowedOrigins, ws.ConnOptions{
		SendBuffer:     cfg.WS.SendBuffer,
		MaxMessageSize: cfg.WS.MaxMessageSize,
	})
	// 重连风暴时同一文档的并发读合并成一次
	documents := handlers.NewDocumentHandler(
		store.NewCoalescing(docStore),
		collab.NewSemaphoreControl(cfg.Documents.WriteConcurrency),
		cfg.Documents.Timeout,
	)

	r := httpapi.NewRouter(httpapi.RouterDeps{
		Documents: documents,
		WS:        manager,
		Auth: middleware.AuthOptions{
			JWTSecret:   cfg.Auth.JWTSecret,
			AuthBaseURL: cfg.Auth.Path,
		},
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("collab server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-hubErr:
		if err != nil {
			log.Printf("hub stopped: %v", err)
		}
		stop()
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	// websocket 连接是 hijack 出去的，Shutdown 不会等它们
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
