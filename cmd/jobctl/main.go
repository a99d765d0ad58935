// Command jobctl is a thin demonstration CLI over the job manager: it
// wires storage, the queue/runner pipeline, and the scheduler
// together into a single process, and exposes a handful of
// operations for driving it from a shell. The actual control surface
// is the jobmanager.Manager API; this binary is one caller among
// many a real deployment might have (an HTTP API being another).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/archivist/pkg/jobmanager"
	"github.com/cuemby/archivist/pkg/log"
	"github.com/cuemby/archivist/pkg/scheduler"
	"github.com/cuemby/archivist/pkg/security"
	"github.com/cuemby/archivist/pkg/storage"
	"github.com/cuemby/archivist/pkg/types"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "jobctl",
	Short:   "Drive the archival job manager from a shell",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory holding the job store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("secrets-password", "", "Password used to derive the repository-secrets encryption key (required for jobs touching a repository)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func openStore(cmd *cobra.Command) (storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return storage.NewBoltStore(dataDir)
}

func buildSecrets(cmd *cobra.Command) (*security.SecretsManager, error) {
	password, _ := cmd.Flags().GetString("secrets-password")
	if password == "" {
		return nil, nil
	}
	return security.NewSecretsManagerFromPassword(password)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job manager and scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		secrets, err := buildSecrets(cmd)
		if err != nil {
			return fmt.Errorf("build secrets manager: %w", err)
		}

		mgr := jobmanager.New(jobmanager.Config{
			Store:      store,
			Secrets:    secrets,
			JobManager: types.DefaultJobManagerConfig(),
		})
		mgr.Start()
		defer mgr.Stop()

		sched := scheduler.New(store, mgr)
		sched.Start()
		defer sched.Stop()

		log.Info("job manager and scheduler running")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Start an ad-hoc archival command as a one-task job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		mgr := jobmanager.New(jobmanager.Config{Store: store})
		mgr.Start()
		defer mgr.Stop()

		isBackup, _ := cmd.Flags().GetBool("backup")
		wait, _ := cmd.Flags().GetBool("wait")

		id, err := mgr.StartBorgCommand(args, nil, isBackup)
		if err != nil {
			return fmt.Errorf("start command: %w", err)
		}
		fmt.Println(id.String())

		if !wait {
			return nil
		}
		return waitAndPrint(mgr, id)
	},
}

func init() {
	runCmd.Flags().Bool("backup", false, "Route through the backup pool instead of the operation pool")
	runCmd.Flags().Bool("wait", false, "Block until the job reaches a terminal status, printing its output")
}

func waitAndPrint(mgr *jobmanager.Manager, id types.JobID) error {
	history, lines, cancel := mgr.FollowJobOutput(id)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, line := range history {
			fmt.Printf("[%s] %s\n", line.Stream, line.Text)
		}
		for line := range lines {
			fmt.Printf("[%s] %s\n", line.Stream, line.Text)
		}
	}()

	for {
		job, err := mgr.GetJobStatus(id)
		if err != nil {
			return err
		}
		if job.Status == types.JobCompleted || job.Status == types.JobFailed || job.Status == types.JobStopped {
			cancel()
			<-done
			fmt.Println("status:", job.Status)
			if job.Error != "" {
				fmt.Println("error:", job.Error)
			}
			if job.Status != types.JobCompleted {
				return fmt.Errorf("job ended with status %s", job.Status)
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job's current status as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseJobID(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		mgr := jobmanager.New(jobmanager.Config{Store: store})
		job, err := mgr.GetJobStatus(id)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// cancelCmd only affects a job started by this same process: the
// manager's in-flight cancellation state is in-memory, not shared
// across processes, so cancelling a job owned by a running `serve`
// requires a control channel to that process (not implemented here).
var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job started by this same process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseJobID(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		mgr := jobmanager.New(jobmanager.Config{Store: store})
		mgr.Start()
		defer mgr.Stop()
		return mgr.CancelJob(id)
	},
}
