// Package main implements the kernel CLI: serve the orchestration kernel,
// apply persistence migrations, or inspect the Kanban board. Grounded on
// the teacher's cmd/semspec CLI (a cobra root command with a config-path
// flag and signal-driven context cancellation), adapted from a one-shot/
// REPL agent CLI to a long-running service CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentkernel/internal/kconfig"
	"github.com/c360studio/agentkernel/internal/store"
	"github.com/c360studio/agentkernel/internal/ticket"
	"github.com/c360studio/agentkernel/kernel"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	root := &cobra.Command{
		Use:     "kernel",
		Short:   "Agent orchestration kernel",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to kernel config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newBoardCmd(&configPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return root.ExecuteContext(ctx)
}

func loadConfig(path string) (*kconfig.Config, error) {
	if path == "" {
		return kconfig.DefaultConfig(), nil
	}
	return kconfig.LoadFromFile(path)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel, dispatching tasks until the process is signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			k, err := kernel.New(cmd.Context(), cfg, kernel.Options{
				Phases:  []*ticket.Phase{},
				Columns: []*ticket.Column{},
			})
			if err != nil {
				return fmt.Errorf("wire kernel: %w", err)
			}
			defer k.Close()

			stop := k.Start(cmd.Context())
			defer stop()

			// A config-path invocation watches the file and replaces k.Config
			// on each valid edit; a bad edit logs a warning and keeps the prior
			// Config. Components already wired by kernel.New keep the values
			// they were built with.
			if *configPath != "" {
				if w, err := kconfig.NewWatcher(*configPath, nil); err == nil {
					go w.Run(cmd.Context(), func(next *kconfig.Config) { k.Config = next })
				}
			}

			fmt.Println("kernel: serving")
			<-cmd.Context().Done()
			fmt.Println("kernel: shutting down")
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending persistence migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.DSN == "" {
				return fmt.Errorf("store.dsn is not configured")
			}

			s, err := store.Open(cmd.Context(), cfg.Store.DSN, store.Config{
				MaxOpenConns:    cfg.Store.MaxOpenConns,
				ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			}, nil)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			fmt.Println("kernel: migrations applied")
			return nil
		},
	}
}

func newBoardCmd(configPath *string) *cobra.Command {
	boardCmd := &cobra.Command{Use: "board", Short: "Inspect the Kanban board"}
	boardCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print each board column with its terminal flag and WIP limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.DSN == "" {
				fmt.Println("kernel: no store configured; board is empty")
				return nil
			}

			s, err := store.Open(cmd.Context(), cfg.Store.DSN, store.Config{
				MaxOpenConns:    cfg.Store.MaxOpenConns,
				ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			}, nil)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			cols, err := s.ListBoardColumns(cmd.Context())
			if err != nil {
				return fmt.Errorf("list board columns: %w", err)
			}
			for _, c := range cols {
				fmt.Printf("%-20s terminal=%-5v wip=%v\n", c.ID, c.IsTerminal, c.WIPLimit)
			}
			return nil
		},
	})
	return boardCmd
}
