package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"histfetch/internal/app"
	hfcfg "histfetch/internal/config"
	"histfetch/internal/logger"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "histfetch",
	Short: "Fetch long historical candle ranges from a rate-limited provider",
	Long: `histfetch splits a historical candle request into provider-sized chunks,
walks them newest first under the provider's rate budget, retries transient
failures and returns one merged, duplicate-free series.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("config file (default $%s or %s)", hfcfg.EnvConfigPath, hfcfg.DefaultConfigPath))
	rootCmd.AddCommand(newFetchCmd(), newPlanCmd(), newServeCmd(), newRefreshCmd())
}

// runtime is what every sub-command gets after config and logging are set up.
type runtime struct {
	cfg     *hfcfg.Config
	client  *app.Client
	closers []io.Closer
}

func (r *runtime) Close() {
	if r.client != nil {
		_ = r.client.Close()
	}
	for _, c := range r.closers {
		_ = c.Close()
	}
}

func setup() (*runtime, error) {
	path := hfcfg.ResolvePath(configPath)
	cfg, err := hfcfg.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	rt := &runtime{cfg: cfg}
	logger.SetLevel(cfg.App.LogLevel)
	logFile, err := logger.SetFile(logger.FileOptions{
		Path:       cfg.App.LogPath,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
		Compress:   cfg.App.LogCompress,
	})
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	rt.closers = append(rt.closers, logFile)
	logger.Infof("[histfetch] config loaded from %s (env=%s)", path, cfg.App.Env)

	client, err := app.NewClient(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.client = client
	return rt, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
