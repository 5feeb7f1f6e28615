package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/infrahaus/provisioner/pkg/confmanager"
	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "configmanager",
	Short:   "In-container Configuration Manager: packages, files, and scripts",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config-root", envOr("CONFIG_ROOT", "/etc/config-manager"), "Root directory containing packages/, scripts/, and files/, used when --repo-url is not set")
	rootCmd.PersistentFlags().String("container-user", envOr("CONTAINER_USER", "root"), "User substituted for the USER placeholder in managed-file target paths")
	rootCmd.PersistentFlags().String("repo-url", envOr("CONFIG_REPO_URL", ""), "Git repository to sync the config root from; enables git-sync mode when set")
	rootCmd.PersistentFlags().String("branch", envOr("CONFIG_BRANCH", "main"), "Git branch to sync in git-sync mode")
	rootCmd.PersistentFlags().String("sync-path", envOr("CONFIG_SYNC_PATH", ""), "Subdirectory of the cloned repo containing packages/, scripts/, and files/")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(syncCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one or more configuration sync passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		interval, _ := cmd.Flags().GetDuration("interval")
		configRoot, _ := cmd.Flags().GetString("config-root")
		containerUser, _ := cmd.Flags().GetString("container-user")
		repoURL, _ := cmd.Flags().GetString("repo-url")
		branch, _ := cmd.Flags().GetString("branch")
		syncPath, _ := cmd.Flags().GetString("sync-path")

		ch := remoteshell.NewLocalChannel()

		runOnce := func() error {
			root := configRoot
			if repoURL != "" {
				resolved, err := confmanager.ResolveConfigRoot(cmd.Context(), ch, confmanager.GitSyncConfig{
					RepoURL: repoURL,
					Branch:  branch,
					Path:    syncPath,
				})
				if err != nil {
					return fmt.Errorf("resolving git-synced config root: %w", err)
				}
				root = resolved
			}

			files, err := confmanager.LoadManifest(root)
			if err != nil {
				return fmt.Errorf("loading managed-files manifest: %w", err)
			}

			mgr := confmanager.New(ch, confmanager.DefaultPaths(root))
			result, err := mgr.Sync(cmd.Context(), files, containerUser)
			logEvent := log.WithComponent("configmanager").Info().
				Int("packages_installed", result.Packages.Installed).
				Int("packages_skipped", result.Packages.Skipped).
				Int("packages_failed", result.Packages.Failed).
				Int("files_written", result.FilesWritten).
				Int("files_skipped", result.FilesSkipped).
				Int("files_failed", result.FilesFailed).
				Strs("scripts_run", result.ScriptsRun).
				Bool("partial_failure", result.PartialFailed)
			if err != nil {
				logEvent.Err(err).Msg("sync failed")
				return err
			}
			logEvent.Msg("sync complete")
			return nil
		}

		if once {
			return runOnce()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ctx := cmd.Context()
		for {
			if err := runOnce(); err != nil {
				log.WithComponent("configmanager").Error().Err(err).Msg("periodic sync failed, will retry next tick")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	syncCmd.Flags().Bool("once", false, "Run a single sync pass and exit, instead of looping")
	syncCmd.Flags().Duration("interval", 5*time.Minute, "Interval between sync passes when not run with --once")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
