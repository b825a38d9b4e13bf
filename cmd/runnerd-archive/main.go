// Command runnerd-archive inspects and compacts a runnerd Job Store
// offline, for disaster-recovery scenarios where the control loop
// itself cannot be started. It generalizes the teacher's
// warren-migrate tool: back up the BoltDB file, then move terminal
// Jobs past their retention window into the archive bucket.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/forgebay/runnerd/pkg/storage"
	"github.com/forgebay/runnerd/pkg/types"
)

var (
	dataDir      = flag.String("data-dir", "/var/lib/runnerd", "runnerd data directory (the one passed to --data-dir on serve)")
	dryRun       = flag.Bool("dry-run", false, "Show what would be archived without making changes")
	backupPath   = flag.String("backup", "", "Path to back up the database before archiving (default: <data-dir>/runnerd.db.backup)")
	jobRetention = flag.Duration("job-retention", 7*24*time.Hour, "Archive terminal jobs finished longer ago than this")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("runnerd archive tool")
	log.Println("====================")

	dbPath := filepath.Join(*dataDir, "runnerd.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("database: %s", dbPath)
	log.Printf("job retention: %s", *jobRetention)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	if err := archiveTerminalJobs(store, *jobRetention, *dryRun); err != nil {
		log.Fatalf("archive pass failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run completed, no changes made")
	} else {
		log.Println("archive pass completed")
	}
}

// archiveTerminalJobs mirrors the reaper's retention sweep (pkg/reaper)
// but runs standalone against a database the control loop is not
// holding open, listing every terminal job and moving the ones past
// the retention window into the archive bucket.
func archiveTerminalJobs(store *storage.BoltStore, retention time.Duration, dryRun bool) error {
	jobs, err := store.ListJobsByState(
		types.JobCompleted, types.JobFailed, types.JobDeadLettered, types.JobCancelled,
	)
	if err != nil {
		return fmt.Errorf("list terminal jobs: %w", err)
	}

	log.Printf("found %d terminal jobs", len(jobs))

	cutoff := time.Now().Add(-retention)
	var eligible int
	for _, job := range jobs {
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		finishedAt := *job.FinishedAt
		eligible++

		if dryRun {
			log.Printf("[DRY RUN] would archive job %s (state=%s, finished=%s)", job.JobID, job.State, finishedAt)
			continue
		}

		archived := &types.ArchivedJob{
			JobID:      job.JobID,
			Repository: job.Repository,
			FinalState: job.State,
			Attempts:   job.Attempts,
			CreatedAt:  job.CreatedAt,
			FinishedAt: finishedAt,
			ArchivedAt: time.Now(),
		}
		if err := store.ArchiveJob(archived); err != nil {
			return fmt.Errorf("archive job %s: %w", job.JobID, err)
		}
		if err := store.DeleteJob(job.JobID); err != nil {
			return fmt.Errorf("delete archived job %s: %w", job.JobID, err)
		}
		log.Printf("archived job %s (state=%s, finished=%s)", job.JobID, job.State, finishedAt)
	}

	log.Printf("%d/%d terminal jobs past retention window", eligible, len(jobs))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
