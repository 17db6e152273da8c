// reset_run wipes one pipeline run: the checkpoint row, its diagnostic
// events, and every transient artifact under the run's _pipeline/ prefix.
// Final exports under runs/<run_id>/ are kept.
//
// Usage: DB_URL=... go run ./cmd/tools/reset_run <run_id>
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"feedmill/internal/config"
	"feedmill/internal/repository"
	"feedmill/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: reset_run <run_id>")
		os.Exit(2)
	}
	runID := os.Args[1]

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	deleted, err := repo.DeleteRun(ctx, runID)
	if err != nil {
		log.Fatalf("Failed to delete run: %v", err)
	}
	if !deleted {
		fmt.Printf("No checkpoint found for run '%s'. It might have already been reset or never existed.\n", runID)
	} else {
		fmt.Printf("Deleted checkpoint and events for run '%s'.\n", runID)
	}

	var store storage.Store
	switch cfg.StorageDriver {
	case "s3":
		store, err = storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			log.Fatalf("Failed to init S3 storage: %v", err)
		}
	case "local":
		store = storage.NewLocalStore(cfg.Local.Root, cfg.PublicBaseURL+"/storage", []byte(cfg.Local.Secret))
	default:
		log.Fatalf("Unknown storage driver %q", cfg.StorageDriver)
	}

	prefix := "_pipeline/" + runID + "/"
	objects, err := store.List(ctx, cfg.ExportsBucket, prefix)
	if err != nil {
		log.Fatalf("Failed to list artifacts: %v", err)
	}
	for _, obj := range objects {
		if err := store.Remove(ctx, cfg.ExportsBucket, obj.Key); err != nil {
			log.Printf("Failed to remove %s: %v", obj.Key, err)
			continue
		}
	}
	fmt.Printf("Removed %d artifact(s) under %s. The run will start from scratch on the next parse_merge invocation.\n",
		len(objects), prefix)
}
