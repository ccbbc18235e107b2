package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"pylon/internal/config"
	"pylon/internal/metrics"
	"pylon/internal/receipt"
	"pylon/internal/registry"
	"pylon/internal/rendezvous"
	"pylon/internal/rendezvous/memory"
	"pylon/internal/rendezvous/wormhole"
	"pylon/internal/repository/transfer"
	redisSvc "pylon/internal/service/redis"
	"pylon/internal/service/server"
	"pylon/internal/service/session"
	"pylon/internal/utils/log"
)

func main() {
	configPath := flag.String("config", "", "path to pylon.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := log.Setup(cfg.LogOptions()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg.Registry.Lease)
	reg.Salt = []byte(cfg.FingerprintSalt)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg, func() float64 { return float64(reg.Len()) })
	reg.OnExpire = func(string) { m.Expired.Inc() }

	opts := session.Options{
		Async:           cfg.Send.Async,
		FingerprintSalt: []byte(cfg.FingerprintSalt),
		Metrics:         m,
		Receipts:        receipt.NewMemoryStore(cfg.Receipts.TTL),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := redisSvc.NewRedis(rdb)
		if err := pingRedis(ctx, rs); err != nil {
			log.Fatal("connect redis failed", zap.Error(err))
		}
		defer rs.Close()
		opts.Receipts = receipt.NewRedisStore(rs, cfg.Receipts.TTL)
		log.Info("receipts stored in redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Mongo.URI != "" {
		mongoClient, err := initMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			log.Fatal("connect mongo failed", zap.Error(err))
		}
		defer mongoClient.Disconnect(context.Background())

		repo := transfer.NewTransferRepo(mongoClient.Database(cfg.Mongo.Database))
		if err := repo.EnsureIndexes(ctx); err != nil {
			log.Warn("create transfer indexes failed", zap.Error(err))
		}
		opts.Audit = repo
		log.Info("transfer audit log enabled", zap.String("database", cfg.Mongo.Database))
	}

	ctl := session.NewController(newRendezvous(cfg.Rendezvous), reg, opts)
	go reg.Run(ctx, cfg.Registry.SweepInterval)

	srv := server.NewHttpServer(ctl, server.Options{
		Addr:           cfg.HTTP.Addr,
		StaticDir:      cfg.HTTP.StaticDir,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		ReceiveTimeout: cfg.HTTP.ReceiveTimeout,
		Gatherer:       promReg,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	ctl.Close()
}

func newRendezvous(c config.RendezvousConfig) rendezvous.Service {
	rc := rendezvous.Config{
		AppID:      c.AppID,
		URL:        c.URL,
		CodeLength: c.CodeLength,
	}
	if c.Kind == "memory" {
		log.Warn("using in-process rendezvous, codes only pair within this server")
		return memory.New(rc)
	}
	log.Info("using magic-wormhole rendezvous", zap.String("url", rc.URL), zap.String("app_id", rc.AppID))
	return wormhole.New(rc)
}

func pingRedis(ctx context.Context, rs *redisSvc.RedisService) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return rs.Ping(ctx)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
