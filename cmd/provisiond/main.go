package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/infrahaus/provisioner/pkg/config"
	"github.com/infrahaus/provisioner/pkg/events"
	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/metrics"
	"github.com/infrahaus/provisioner/pkg/orchestrator"
	"github.com/infrahaus/provisioner/pkg/pve"
	"github.com/infrahaus/provisioner/pkg/queue"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/security"
	"github.com/infrahaus/provisioner/pkg/storage"
	"github.com/infrahaus/provisioner/pkg/types"
	"github.com/infrahaus/provisioner/pkg/watchdog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "provisiond",
	Short:   "Host-side Proxmox container provisioning daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("provisiond version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool against the durable queue and serve metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		watchdogInterval, _ := cmd.Flags().GetDuration("watchdog-interval")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer store.Close()

		q, err := queue.New(cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to queue: %w", err)
		}
		defer q.Close()

		vaultKey := security.DeriveKeyFromSeed(cfg.PVE.Host)
		vault, err := security.NewVault(vaultKey)
		if err != nil {
			return fmt.Errorf("initializing credential vault: %w", err)
		}

		pveClient := pve.NewHTTPClient(cfg.PVE.Host, cfg.PVE.Port, cfg.PVE.TokenID, cfg.PVE.TokenSecret, false)
		broker := events.NewBroker()
		progress := orchestrator.NewProgressSink(store, broker, q)
		pipeline := orchestrator.NewPipeline(pveClient, store, progress, vault, nil, cfg.Sync)
		cancels := orchestrator.NewRegistry()
		pool := orchestrator.NewPool(q, pipeline, cancels, cfg.WorkerConcurrency)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		dog := watchdog.New(store, pveShellDialer(pveClient), watchdogInterval)
		dog.Start(ctx)

		collector := metrics.NewCollector(containerCountsByLifecycle(store))
		collector.Start()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			log.Info(fmt.Sprintf("metrics endpoint listening on %s/metrics", metricsAddr))
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Errorf("metrics server error", err)
			}
		}()

		log.Info("provisiond worker pool running, press Ctrl+C to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		pool.Stop()
		dog.Stop()
		collector.Stop()
		cancel()
		pool.Wait()
		return nil
	},
}

// pveShellDialer adapts pkg/pve's Exec-based client into the
// exitCode-returning closure signature watchdog.ShellDialer expects,
// reusing the same PVEExecChannel the provisioning pipeline drives.
func pveShellDialer(pveClient pve.Client) watchdog.ShellDialer {
	return func(ctx context.Context, container *types.Container) (func(ctx context.Context, command []string) (int, error), func() error, error) {
		ch := remoteshell.NewPVEExecChannel(pveClient, container.NodeName, container.VMID)
		execLines := func(ctx context.Context, command []string) (int, error) {
			lines, err := ch.Exec(ctx, command)
			if err != nil {
				return 0, err
			}
			exitCode := -1
			for l := range lines {
				if l.Done {
					exitCode = l.ExitCode
				}
			}
			return exitCode, nil
		}
		return execLines, ch.Close, nil
	}
}

// containerCountsByLifecycle adapts storage.Store into the
// map[lifecycle]count snapshot metrics.Collector expects.
func containerCountsByLifecycle(store storage.Store) func() (map[string]int, error) {
	return func() (map[string]int, error) {
		containers, err := store.ListContainers()
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int)
		for _, c := range containers {
			counts[string(c.Lifecycle)]++
		}
		return counts, nil
	}
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a debug container-creation job against the configured queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		node, _ := cmd.Flags().GetString("node")
		hostname, _ := cmd.Flags().GetString("hostname")
		template, _ := cmd.Flags().GetString("ostemplate")
		vmid, _ := cmd.Flags().GetInt("vmid")
		memoryMB, _ := cmd.Flags().GetInt("memory")
		cores, _ := cmd.Flags().GetInt("cores")
		diskGB, _ := cmd.Flags().GetInt("disk")

		q, err := queue.New(cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to queue: %w", err)
		}
		defer q.Close()

		job := &types.ContainerCreationJob{
			ContainerID: uuid.NewString(),
			NodeName:    node,
			Config: types.JobConfig{
				Hostname:   hostname,
				VMID:       vmid,
				MemoryMB:   memoryMB,
				Cores:      cores,
				DiskGB:     diskGB,
				OSTemplate: template,
			},
		}

		if err := q.Enqueue(cmd.Context(), job); err != nil {
			return fmt.Errorf("enqueueing job: %w", err)
		}

		fmt.Printf("enqueued job for container %s\n", job.ContainerID)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
	serveCmd.Flags().Duration("watchdog-interval", 60*time.Second, "Interval between service-status re-probes of ready containers")

	enqueueCmd.Flags().String("node", "pve1", "Target Proxmox node name")
	enqueueCmd.Flags().String("hostname", "", "Container hostname")
	enqueueCmd.Flags().String("ostemplate", "", "PVE OS template volume ID")
	enqueueCmd.Flags().Int("vmid", 0, "Target VMID")
	enqueueCmd.Flags().Int("memory", 512, "Memory in MB")
	enqueueCmd.Flags().Int("cores", 1, "CPU cores")
	enqueueCmd.Flags().Int("disk", 8, "Disk size in GB")
	enqueueCmd.MarkFlagRequired("hostname")
	enqueueCmd.MarkFlagRequired("ostemplate")
	enqueueCmd.MarkFlagRequired("vmid")
}
