// Command ensembled runs a region-local orchestrator daemon: it serves
// the admin API, accepts runner registrations, and drives actor
// lifecycles. Actor definitions are compiled in by the embedding
// application; this binary ships with none and exists for operating the
// control plane standalone.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/halcyon-works/ensemble"
)

var version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:     "ensembled",
		Short:   "ensembled runs a region-local actor orchestrator",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "ensembled.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the ensembled version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := ensemble.LoadDaemonConfig(configFile)
	if err != nil {
		return err
	}
	ensemble.InitLogger(cfg.SlogLevel())

	orch := ensemble.New(cfg.Options()...)
	if err := orch.Start(); err != nil {
		return err
	}

	stopWatch, err := watchConfig(configFile)
	if err != nil {
		slog.Warn("config watch disabled", "error", err)
	} else {
		defer stopWatch()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	slog.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return orch.Stop(ctx)
}

// watchConfig re-reads the config on file changes and applies the log
// level. Everything else requires a restart.
func watchConfig(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := ensemble.LoadDaemonConfig(target)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				ensemble.SetLogLevel(cfg.SlogLevel())
				slog.Info("config reloaded", "log_level", cfg.LogLevel)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running orchestrator's admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ensemble.LoadDaemonConfig(configFile)
			if err != nil {
				return err
			}
			if cfg.AdminAddr == "" {
				return fmt.Errorf("no admin_addr in config")
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.AdminAddr + "/status")
			if err != nil {
				return fmt.Errorf("orchestrator unreachable: %w", err)
			}
			defer resp.Body.Close()

			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
