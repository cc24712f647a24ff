// Command keepsake-backup runs the automated database backup service.
// It snapshots the local SQLite database with VACUUM INTO, verifies the
// snapshot, applies the retention policy, and can optionally upload
// snapshots to the configured Cloudflare R2 bucket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/keepsake/internal/backup"
	"github.com/scrypster/keepsake/internal/config"
	"github.com/scrypster/keepsake/internal/storage/cloudflare"
)

var (
	dbPath    = flag.String("db", "", "Path to database file (overrides config)")
	backupDir = flag.String("backup-dir", "", "Backup directory path (overrides config)")
	interval  = flag.Duration("interval", 0, "Backup interval (overrides config)")
	verify    = flag.Bool("verify", true, "Verify backups after creation")
	oneshot   = flag.Bool("oneshot", false, "Perform a single backup and exit")
	restore   = flag.String("restore", "", "Restore database from backup file and exit")
	healthCmd = flag.Bool("health", false, "Check backup service health and exit")
	listCmd   = flag.Bool("list", false, "List all available backups and exit")
	upload    = flag.Bool("upload", false, "Upload each snapshot to the configured R2 bucket")
)

func main() {
	flag.Parse()
	log.SetPrefix("keepsake-backup: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	dbPathFinal := cfg.Storage.SQLitePath
	if *dbPath != "" {
		dbPathFinal = *dbPath
	}

	backupDirFinal := cfg.Backup.Path
	if *backupDir != "" {
		backupDirFinal = *backupDir
	}

	intervalFinal := cfg.Backup.Interval
	if *interval > 0 {
		intervalFinal = *interval
	}

	service, err := backup.New(backup.Config{
		Database: dbPathFinal,
		Dir:      backupDirFinal,
		Interval: intervalFinal,
		Verify:   *verify,
		Keep: backup.Retention{
			Hourly:  cfg.Backup.RetentionHourly,
			Daily:   cfg.Backup.RetentionDaily,
			Weekly:  cfg.Backup.RetentionWeekly,
			Monthly: cfg.Backup.RetentionMonthly,
		},
	})
	if err != nil {
		log.Fatalf("failed to create backup service: %v", err)
	}

	ctx := context.Background()

	switch {
	case *restore != "":
		handleRestore(ctx, service, *restore)
	case *healthCmd:
		handleHealth(service)
	case *listCmd:
		handleList(service)
	case *oneshot:
		handleOneshot(ctx, cfg, service)
	default:
		runService(ctx, service)
	}
}

func handleRestore(ctx context.Context, service *backup.Service, backupPath string) {
	log.Printf("restoring database from backup: %s", backupPath)

	if err := service.Restore(ctx, backupPath); err != nil {
		log.Fatalf("restore failed: %v", err)
	}

	log.Println("database restored successfully")
}

func handleHealth(service *backup.Service) {
	health, err := service.Health()
	if err != nil {
		log.Fatalf("health check failed: %v", err)
	}

	fmt.Printf("Status: %s\n", health.Status)
	if health.Message != "" {
		fmt.Printf("Message: %s\n", health.Message)
	}
	fmt.Printf("Snapshots: %d\n", health.Snapshots)
	fmt.Printf("Disk Space Used: %.2f MB\n", float64(health.BytesUsed)/(1024*1024))
	fmt.Printf("Backup Directory: %s\n", health.Dir)

	if !health.LastRun.IsZero() {
		fmt.Printf("Last Backup: %s (%s ago)\n",
			health.LastRun.Format(time.RFC3339),
			time.Since(health.LastRun).Round(time.Minute))
	} else {
		fmt.Println("Last Backup: Never")
	}

	if !health.NextRun.IsZero() {
		fmt.Printf("Next Backup: %s (in %s)\n",
			health.NextRun.Format(time.RFC3339),
			time.Until(health.NextRun).Round(time.Minute))
	}

	if health.Status != "healthy" {
		os.Exit(1)
	}
}

func handleList(service *backup.Service) {
	backups, err := service.List()
	if err != nil {
		log.Fatalf("failed to list backups: %v", err)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found")
		return
	}

	fmt.Printf("Found %d backup(s):\n\n", len(backups))
	for i, b := range backups {
		fmt.Printf("%d. %s\n", i+1, b.Path)
		fmt.Printf("   Size: %.2f MB\n", float64(b.Size)/(1024*1024))
		fmt.Printf("   Created: %s (%s ago)\n",
			b.Created.Format(time.RFC3339),
			time.Since(b.Created).Round(time.Minute))
		fmt.Println()
	}
}

func handleOneshot(ctx context.Context, cfg *config.Config, service *backup.Service) {
	log.Println("performing one-time backup...")

	result, err := service.Backup(ctx)
	if err != nil {
		log.Fatalf("backup failed: %v", err)
	}

	log.Printf("backup completed:")
	log.Printf("  path: %s", result.Path)
	log.Printf("  size: %.2f MB", float64(result.Size)/(1024*1024))
	log.Printf("  duration: %v", result.Duration)
	log.Printf("  verified: %v", result.Verified)

	if *upload {
		if err := uploadToR2(ctx, cfg, result.Path); err != nil {
			log.Fatalf("upload failed: %v", err)
		}
	}
}

// uploadToR2 pushes one snapshot into the configured R2 bucket under
// snapshots/<filename>.
func uploadToR2(ctx context.Context, cfg *config.Config, path string) error {
	if cfg.Cloudflare.R2Bucket == "" {
		return fmt.Errorf("CLOUDFLARE_R2_BUCKET is not configured")
	}
	remote, err := cloudflare.New(cloudflare.Config{
		AccountID:      cfg.Cloudflare.AccountID,
		APIToken:       cfg.Cloudflare.APIToken,
		D1DatabaseID:   cfg.Cloudflare.D1DatabaseID,
		VectorizeIndex: cfg.Cloudflare.VectorizeIndex,
		R2Bucket:       cfg.Cloudflare.R2Bucket,
	}, nil)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	key := "snapshots/" + filepath.Base(path)
	if err := remote.PutObject(ctx, key, data, "application/vnd.sqlite3"); err != nil {
		return err
	}
	log.Printf("uploaded %s (%d bytes) to r2://%s/%s", filepath.Base(path), len(data), cfg.Cloudflare.R2Bucket, key)
	return nil
}

func runService(ctx context.Context, service *backup.Service) {
	go func() {
		if err := service.Run(ctx); err != nil {
			if err != context.Canceled {
				log.Printf("backup service error: %v", err)
			}
		}
	}()

	log.Println("backup service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down backup service")
	if err := service.Stop(); err != nil {
		log.Printf("WARNING: %v", err)
	}
}
