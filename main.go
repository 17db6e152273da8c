package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedmill/internal/api"
	"feedmill/internal/config"
	"feedmill/internal/eventbus"
	"feedmill/internal/pipeline"
	"feedmill/internal/repository"
	"feedmill/internal/storage"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing feedmill worker...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Storage: %s (import=%s exports=%s)", cfg.StorageDriver, cfg.ImportBucket, cfg.ExportsBucket)
	log.Printf("API Port: %s", cfg.APIPort)

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	var store storage.Store
	var storageHandler http.Handler
	switch cfg.StorageDriver {
	case "s3":
		s3store, err := storage.NewS3Store(context.Background(), storage.S3Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			log.Fatalf("Failed to init S3 storage: %v", err)
		}
		store = s3store
	case "local":
		local := storage.NewLocalStore(cfg.Local.Root, cfg.PublicBaseURL+"/storage", []byte(cfg.Local.Secret))
		store = local
		storageHandler = local.Handler()
	default:
		log.Fatalf("Unknown storage driver %q", cfg.StorageDriver)
	}

	bus := eventbus.New()
	defer bus.Close()

	workerOpts := []pipeline.Option{pipeline.WithEventBus(bus)}
	if cfg.InvocationBudgetMS > 0 {
		workerOpts = append(workerOpts, pipeline.WithBudget(time.Duration(cfg.InvocationBudgetMS)*time.Millisecond))
	}
	worker := pipeline.New(repo, store, cfg.ImportBucket, cfg.ExportsBucket, workerOpts...)

	api.BuildCommit = BuildCommit
	server := api.NewServer(repo, worker, cfg.APIPort, storageHandler, api.WithEventBus(bus))

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Shutdown complete.")
}

// redactDatabaseURL hides credentials before the URL reaches logs.
func redactDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable db url)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
