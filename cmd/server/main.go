package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"e2e_relay/internal/config"
	"e2e_relay/internal/directory"
	"e2e_relay/internal/metrics"
	"e2e_relay/internal/repository/chat"
	redisSvc "e2e_relay/internal/service/redis"
	"e2e_relay/internal/service/server"
	"e2e_relay/internal/utils/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := log.Setup(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("open store failed", zap.String("kind", cfg.Store.Kind), zap.Error(err))
	}
	defer closer.Close()

	m := metrics.New()
	dir := directory.New(
		directory.WithStore(store),
		directory.WithTimeout(cfg.Store.Timeout),
		directory.WithHistoryLimit(cfg.Server.HistoryLimit),
		directory.WithMetrics(m),
	)

	s := server.NewServer(cfg.Server, dir, m)
	if err := s.Run(ctx); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
	log.Info("relay stopped")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openStore(ctx context.Context, cfg config.StoreConfig) (directory.Store, io.Closer, error) {
	switch cfg.Kind {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc := redisSvc.NewRedis(rdb)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := svc.Ping(pingCtx); err != nil {
			svc.Close()
			return nil, nil, err
		}
		return chat.NewRedisRepo(svc), svc, nil

	case "mongo":
		client, err := initMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		repo := chat.NewMongoRepo(client.Database(cfg.Mongo.Database))
		if err := repo.EnsureIndexes(ctx); err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return repo, closerFunc(func() error { return client.Disconnect(context.Background()) }), nil

	case "sqlite":
		repo, err := chat.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	}

	return directory.NopStore{}, closerFunc(func() error { return nil }), nil
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
