package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ozarkfinances/audittrail/pkg/audit"
	"github.com/ozarkfinances/audittrail/pkg/observability"
)

var (
	dbPath           = flag.String("db", getEnv("AUDIT_DATABASE_PATH", "audit_tracker.db"), "Path to the audit SQLite database")
	backupDir        = flag.String("backup-dir", getEnv("AUDIT_BACKUP_DIR", "backups"), "Directory for database snapshots")
	showStats        = flag.Bool("stats", false, "Print audit log statistics and exit")
	doReset          = flag.Bool("reset", false, "Delete all audit records and restart numbering")
	withBackup       = flag.Bool("backup", true, "Snapshot the database before a reset")
	force            = flag.Bool("force", false, "Skip the interactive reset confirmation")
	snapshotSchedule = flag.String("snapshot-schedule", "", "Cron schedule for periodic snapshots (e.g. \"0 3 * * *\"); runs until interrupted")
	logLevel         = flag.String("log-level", getEnv("AUDIT_LOG_LEVEL", "info"), "Log level")
)

func main() {
	flag.Parse()

	log := observability.NewLogger(*logLevel, os.Stdout)

	store, err := audit.NewSQLiteStore(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open audit store")
	}
	defer store.Close()

	service := audit.NewService(store, nil)
	ctx := context.Background()

	switch {
	case *showStats:
		if err := printStats(ctx, service); err != nil {
			log.WithError(err).Fatal("failed to read statistics")
		}

	case *doReset:
		if err := runReset(ctx, service, log); err != nil {
			log.WithError(err).Fatal("reset failed")
		}

	case *snapshotSchedule != "":
		runScheduledSnapshots(store, log)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printStats(ctx context.Context, service *audit.Service) error {
	stats, err := service.Statistics(ctx, audit.Filter{})
	if err != nil {
		return err
	}

	fmt.Printf("Total records:    %d\n", stats.TotalCount)
	fmt.Printf("Tables tracked:   %d\n", stats.TablesTracked)
	fmt.Printf("Records affected: %d\n", stats.RecordsAffected)
	if stats.DateRange != nil {
		fmt.Printf("Oldest entry:     %s\n", stats.DateRange.First.Format(time.RFC3339))
		fmt.Printf("Newest entry:     %s\n", stats.DateRange.Last.Format(time.RFC3339))
	}
	if len(stats.CountByAction) > 0 {
		fmt.Println("By action:")
		for action, count := range stats.CountByAction {
			fmt.Printf("  %-20s %d\n", action, count)
		}
	}
	if len(stats.CountByTable) > 0 {
		fmt.Println("By table:")
		for table, count := range stats.CountByTable {
			fmt.Printf("  %-20s %d\n", table, count)
		}
	}
	return nil
}

func runReset(ctx context.Context, service *audit.Service, log *logrus.Logger) error {
	if !*force && !confirmReset() {
		fmt.Println("Reset cancelled.")
		return nil
	}

	backupPath := ""
	if *withBackup {
		if err := os.MkdirAll(*backupDir, 0o755); err != nil {
			return fmt.Errorf("failed to create backup directory: %w", err)
		}
		stamp := time.Now().UTC().Format("20060102_150405")
		backupPath = filepath.Join(*backupDir, fmt.Sprintf("audit_backup_%s.db", stamp))
	}

	removed, err := service.Reset(ctx, backupPath)
	if err != nil {
		return err
	}

	if backupPath != "" {
		fmt.Printf("Backup written to %s\n", backupPath)
	}
	fmt.Printf("Removed %d audit records. Numbering restarts at 1.\n", removed)
	log.WithField("removed", removed).Warn("audit log reset")
	return nil
}

// confirmReset asks the operator to type "yes" before destroying the log
func confirmReset() bool {
	fmt.Print("This permanently deletes ALL audit records. Type 'yes' to continue: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

func runScheduledSnapshots(store audit.Store, log *logrus.Logger) {
	if err := os.MkdirAll(*backupDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create backup directory")
	}

	c := cron.New()
	_, err := c.AddFunc(*snapshotSchedule, func() {
		stamp := time.Now().UTC().Format("20060102_150405")
		dst := filepath.Join(*backupDir, fmt.Sprintf("audit_backup_%s.db", stamp))
		if err := store.Snapshot(dst); err != nil {
			log.WithError(err).Error("scheduled snapshot failed")
			return
		}
		log.WithField("path", dst).Info("snapshot written")
	})
	if err != nil {
		log.WithError(err).Fatal("invalid snapshot schedule")
	}

	c.Start()
	log.WithField("schedule", *snapshotSchedule).Info("snapshot scheduler started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	<-c.Stop().Done()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
