package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fwdmail/relay/internal/accounting"
	"fwdmail/relay/internal/config"
	"fwdmail/relay/internal/logger"
	"fwdmail/relay/internal/metrics"
	"fwdmail/relay/internal/pool"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/relay"
	smtpserver "fwdmail/relay/internal/smtp"
	"fwdmail/relay/internal/storage"
	"fwdmail/relay/internal/storage/memory"
	"fwdmail/relay/internal/storage/rediscache"
	sqlstore "fwdmail/relay/internal/storage/sql"
)

// 转发外发协程池的规模。队列装满时接收连接在 DATA 阶段
// 等待空位，形成天然的背压。
const (
	forwardWorkers   = 16
	forwardQueueSize = 256
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mail relay",
		zap.String("hostname", cfg.SMTP.Hostname),
		zap.Strings("allowed_domains", cfg.Relay.AllowedDomains),
		zap.String("log_level", cfg.Log.Level),
	)

	// 存储层：配置了数据库走关系型存储，否则用内存存储（开发环境）
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStoreFromConfig(cfg.Database)
		if err != nil {
			log.Fatal("failed to initialize database storage", zap.Error(err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer func() { _ = store.Close() }()

	// 邮箱目录缓存：配置了 Redis 时为投递路径上的热查询加缓存
	var directory storage.MailboxDirectory = store
	if cfg.Redis.Address != "" {
		cache, err := rediscache.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL, store, log)
		if err != nil {
			log.Fatal("failed to initialize redis cache", zap.Error(err))
		}
		defer func() { _ = cache.Close() }()
		directory = cache
		log.Info("mailbox directory cache enabled",
			zap.String("redis", cfg.Redis.Address),
			zap.Duration("ttl", cfg.Redis.CacheTTL),
		)
	}

	m := metrics.New()
	events := queue.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := pool.New(forwardWorkers, forwardQueueSize, log)
	workers.Start(ctx)

	checker := relay.NewChecker(directory, store, events, cfg.Relay.RecordRejected, log)
	transport := relay.NewSMTPTransport(cfg.Outbound, log)
	forwarder := relay.NewForwarder(transport, directory, events, workers, cfg.Relay.QuoteForwardedBody, m, log)
	backend := smtpserver.NewBackend(cfg, checker, forwarder, store, events, m, log)

	job := accounting.NewJob(store, directory, events, cfg.Relay, m, log)

	group, groupCtx := errgroup.WithContext(ctx)

	// SMTP 监听器
	servers := make([]*gosmtp.Server, 0, 2)
	for _, listener := range []config.ListenerConfig{cfg.SMTP.Primary, cfg.SMTP.Secondary} {
		listener := listener
		if !listener.Enabled {
			continue
		}

		server, err := newSMTPServer(backend, cfg, listener)
		if err != nil {
			log.Fatal("failed to configure smtp listener",
				zap.String("address", listener.BindAddr),
				zap.Error(err),
			)
		}
		servers = append(servers, server)

		group.Go(func() error {
			log.Info("starting SMTP listener",
				zap.String("address", listener.BindAddr),
				zap.String("tls_mode", listener.TLSMode),
			)
			var serveErr error
			if listener.TLSMode == config.TLSModeRequired {
				serveErr = server.ListenAndServeTLS()
			} else {
				serveErr = server.ListenAndServe()
			}
			if serveErr != nil && serveErr != gosmtp.ErrServerClosed {
				log.Error("SMTP listener error", zap.String("address", listener.BindAddr), zap.Error(serveErr))
				return serveErr
			}
			return nil
		})
	}

	// 核算任务
	group.Go(func() error {
		if err := job.Start(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// 运维端点：健康检查与指标
	var opsServer *http.Server
	if cfg.Ops.BindAddr != "" {
		health := healthcheck.NewHandler()
		health.AddReadinessCheck("storage", store.Health)
		health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(2000))

		mux := http.NewServeMux()
		mux.HandleFunc("/live", health.LiveEndpoint)
		mux.HandleFunc("/ready", health.ReadyEndpoint)
		mux.Handle("/metrics", m.HTTPHandler())

		opsServer = &http.Server{
			Addr:              cfg.Ops.BindAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		group.Go(func() error {
			log.Info("starting ops endpoint", zap.String("address", cfg.Ops.BindAddr))
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("ops endpoint error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		for _, server := range servers {
			if err := server.Close(); err != nil {
				log.Warn("SMTP listener close warning", zap.Error(err))
			}
		}

		if opsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil {
				log.Error("ops endpoint shutdown error", zap.Error(err))
			}
		}

		// 等待在途转发完成后再让核算做最后一轮结算
		workers.Stop()

		log.Info("listeners stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("relay error", zap.Error(err))
	}

	log.Info("relay exited cleanly")
}

// newSMTPServer 按监听器配置构建 go-smtp 服务器。
func newSMTPServer(backend *smtpserver.Backend, cfg *config.Config, listener config.ListenerConfig) (*gosmtp.Server, error) {
	server := gosmtp.NewServer(backend)
	server.Addr = listener.BindAddr
	server.Domain = cfg.SMTP.Hostname
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	// 尺寸上限由会话自行判定：超限邮件静默丢弃而不是
	// 让服务器回 552，因此不设置服务器级别的 MaxMessageBytes。
	server.MaxRecipients = 50

	if listener.TLSMode != config.TLSModeOff {
		cert, err := tls.LoadX509KeyPair(listener.CertFile, listener.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return server, nil
}
