package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	server "mosaic/server"
	"mosaic/server/internal/app"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "mosaic-server",
		Short:         "Collaborative pixel grid session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), replayCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}
}

func replayCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Fold a recorded session into its final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, cleanup, err := app.BuildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := store.SessionEvents(ctx, args[0])
			if err != nil {
				return err
			}
			raws := make([]json.RawMessage, len(events))
			for i, ev := range events {
				raws[i] = ev.Payload
			}
			state, err := server.ReplaySession(raws)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d events, grid %dx%d, %d participants\n",
				args[0], len(events), state.GridSize, state.GridSize, len(state.Positions))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full final state as JSON")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
