package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quillsync/config"
	"quillsync/config/database"
	"quillsync/internal/blob"
	"quillsync/internal/cache"
	"quillsync/internal/changefeed"
	"quillsync/internal/platform/rabbitmq"
	"quillsync/internal/platform/redis"
	"quillsync/internal/profile"
	"quillsync/internal/treestate"
	workspaceHandler "quillsync/internal/workspace"
	"quillsync/internal/workspace/repository"
	"quillsync/internal/workspace/service"
	"quillsync/internal/worker"
	"quillsync/pkg/logger"
	"quillsync/router"
	"quillsync/socket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Sugar.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Sugar.Fatalf("Could not connect to database: %v", err)
	}
	defer db.Close()
	repo := repository.NewWorkspaceRepository(db)

	// Optional infrastructure: an empty address disables the component.
	var profileCache *cache.ProfileCache
	if cfg.Redis.Addr != "" {
		client, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Sugar.Fatalf("Redis connection failed: %v", err)
		}
		defer client.Close()
		profileCache = cache.NewProfileCache(client, cfg.ProfileTTL())
	}

	var banners service.BannerStore
	var avatarURL func(string) string
	if cfg.Blob.Endpoint != "" {
		store, err := blob.New(ctx, cfg.Blob)
		if err != nil {
			logger.Sugar.Fatalf("Object storage setup failed: %v", err)
		}
		banners = store
		avatarURL = store.AvatarURL
	}

	tree := treestate.New()
	var publisher changefeed.Publisher
	if cfg.RabbitMQ.URL != "" {
		conn, err := rabbitmq.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.ChangeExchange)
		if err != nil {
			logger.Sugar.Fatalf("RabbitMQ connection failed: %v", err)
		}
		defer conn.Close()
		publisher = rabbitmq.NewChangePublisher(conn, cfg.RabbitMQ.ChangeExchange)

		feed := worker.NewChangeFeedWorker(conn, changefeed.NewApplier(tree, nil), cfg.RabbitMQ.ChangeExchange)
		if err := feed.Start(ctx); err != nil {
			logger.Sugar.Fatalf("Change feed worker failed to start: %v", err)
		}
		defer feed.Close()
	}

	workspaces := service.NewWorkspaceService(repo, nil, tree, publisher, banners)
	hub := socket.NewHub(workspaces)
	workspaces.Hub = hub
	go hub.Run(ctx)

	handler := router.Setup(cfg.Auth.JWTSecret, cfg.App.CORSOrigin, hub, router.Handlers{
		Workspaces: workspaceHandler.NewWorkspaceHandler(workspaces),
		Profiles:   profile.NewHandler(profile.NewService(repo, profileCache, avatarURL)),
	})
	server := &http.Server{
		Addr:              cfg.App.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("Quillsync listening on %s", cfg.App.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("Shutdown error: %v", err)
	}
}
