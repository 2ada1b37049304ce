// Package main provides the vocalisd daemon: the offline-first persistence
// and sync engine behind the Vocalis voice-coaching app.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ljchuang/vocalis/backend/internal/config"
	"github.com/ljchuang/vocalis/backend/internal/connectivity"
	"github.com/ljchuang/vocalis/backend/internal/logging"
	"github.com/ljchuang/vocalis/backend/internal/store"
	syncpkg "github.com/ljchuang/vocalis/backend/internal/sync"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "vocalisd",
		Short:         "Vocalis offline-first sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	root.AddCommand(runCmd(), exportCmd(), importCmd(), resetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logging.Init(&logging.Config{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 14,
	})
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and status websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			monitor := connectivity.NewMonitor(false)
			monitor.StartProbing(ctx, cfg.RemoteEndpoint+"/healthz", cfg.ProbeInterval, nil)
			defer monitor.StopProbing()

			transport := syncpkg.NewHTTPTransport(cfg.RemoteEndpoint, cfg.RequestTimeout)
			manager := syncpkg.NewManager(st, transport, monitor, syncpkg.Options{
				MaxRetries: cfg.MaxRetries,
				BaseDelay:  cfg.BaseDelay,
				MaxDelay:   cfg.MaxDelay,
			})
			if err := manager.Init(); err != nil {
				return err
			}
			defer manager.Close()

			hub := NewWSHub()
			unsubscribe := manager.Subscribe(hub.BroadcastStatus)
			defer unsubscribe()

			mux := http.NewServeMux()
			mux.HandleFunc("/ws", hub.ServeWS)
			mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(manager.GetStatus())
			})

			server := &http.Server{Addr: cfg.StatusAddr, Handler: mux}
			go func() {
				logging.Info("Status server listening",
					map[string]interface{}{"addr": cfg.StatusAddr})
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Error("Status server failed", err, nil)
					cancel()
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-ctx.Done():
			}

			logging.Info("Shutting down", nil)
			return server.Shutdown(context.Background())
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write a snapshot backup of every collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			snapshot := st.ExportAll()
			data, err := json.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0644); err != nil {
				return err
			}
			fmt.Printf("exported %d collections to %s\n", len(snapshot.Stores), args[0])
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Restore collections from a snapshot backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			snapshot, err := store.ParseSnapshot(data)
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ImportAll(snapshot); err != nil {
				return err
			}
			fmt.Printf("imported %d collections from %s\n", len(snapshot.Stores), args[0])
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Factory reset: clear every collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.FactoryReset(); err != nil {
				return err
			}
			fmt.Println("all collections cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the factory reset")
	return cmd
}
