package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/voxrelay/pkg/runner"
	"github.com/harunnryd/voxrelay/pkg/voxrelay"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "voxrelay",
	Short:         "Realtime websocket relay for streaming transcription and live audio",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := voxrelay.LoadConfig(path)
		if err != nil {
			return err
		}
		engine, err := voxrelay.NewEngine(voxrelay.EngineOptions{
			Config: cfg,
			Banner: os.Stdout,
		})
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return engine.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file; VOXRELAY_* env vars override it")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "voxrelay:", err)
		os.Exit(1)
	}
}
