package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tasksync/internal/db"
	"github.com/Mschirtzinger/tasksync/internal/relay"
	"github.com/Mschirtzinger/tasksync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the relay that serves the shared task store",
	Long: `Start the relay: a WebSocket server holding the shared task store in
memory and persisting every write to SQLite.

Clients authenticate with a bearer token naming their user id. Task queries
are only allowed when they are limited to what the caller may read: their own
tasks, their assignments, or the tasks of a project they are a member of.

Endpoints:
  ws://<listen>/ws      live queries and writes
  http://<listen>/health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Relay.Listen = listen
		}
		open, _ := cmd.Flags().GetBool("open")

		sink := openLogs(cfg)
		defer sink.Close()

		database, err := db.Open(cfg.Relay.DB)
		if err != nil {
			return fmt.Errorf("failed to open relay database: %w", err)
		}
		defer database.Close()

		store, err := relay.OpenStore(cmd.Context(), database, sink.Logger("remote"))
		if err != nil {
			return err
		}

		server := relay.NewServer(store, &relay.Config{
			Addr:              cfg.Relay.Listen,
			EnforceMembership: !open,
			Logger:            sink.Logger("relay"),
		})
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("%s Relay listening on %s\n", ui.RenderAccent("⇄"), server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		return server.Stop()
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (overrides relay.listen)")
	serveCmd.Flags().Bool("open", false, "Disable the membership read rule (local testing only)")

	rootCmd.AddCommand(serveCmd)
}
