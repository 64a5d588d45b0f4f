// Package main implements swarmd, the host process of the agent swarm.
//
// swarmd loads the configuration, builds the swarm with one demo agent per configured worker,
// and exposes it over HTTP:
//
//	POST /enqueue  - submit a task
//	POST /cancel   - cancel a pending or running task
//	POST /schedule - submit a task on a cron spec
//	GET  /task     - task state by id
//	GET  /result   - terminal result by id
//	GET  /tasks    - pending tasks of one priority
//	GET  /stats    - queue and bus statistics
//	GET  /health   - worker health
//
// Prometheus metrics are served separately on the metrics address under /metrics.
//
// Usage:
//
//	go run ./cmd/swarmd --config config/swarm.yaml
//	go run ./cmd/swarmd --embedded-redis
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/guido-cesarano/agentswarm/pkg/config"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/swarm"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

var (
	version           = "0.1.0"
	configFlag        string
	embeddedRedisFlag bool
	workDurationFlag  time.Duration

	rootCmd = &cobra.Command{
		Use:   "swarmd",
		Short: "swarmd - host process for a self-organizing agent swarm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.APIKey != "" {
				cfg.API.APIKey = "********"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of swarmd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("swarmd version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Path to the YAML configuration (default $SWARM_CONFIG or "+config.DefaultPath+")")
	rootCmd.Flags().BoolVar(&embeddedRedisFlag, "embedded-redis", false,
		"Start an in-process redis for the result archive")
	rootCmd.Flags().DurationVar(&workDurationFlag, "work-duration", 200*time.Millisecond,
		"Simulated execution time of the demo agents")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if embeddedRedisFlag {
		cfg.Redis.Embedded = true
	}
	if len(cfg.Workers) == 0 {
		cfg.Workers = defaultWorkers()
	}
	return cfg, nil
}

// defaultWorkers is the team started when the configuration names none.
func defaultWorkers() []worker.Config {
	return []worker.Config{
		{AgentID: "frontend-1", Specializations: []string{"frontend"}, PreferredTasks: []string{"ui", "css"}},
		{AgentID: "backend-1", Specializations: []string{"backend"}, PreferredTasks: []string{"api"}},
		{AgentID: "database-1", Specializations: []string{"database"}, PreferredTasks: []string{"migration"}},
		{AgentID: "testing-1", Specializations: []string{"testing"}, PreferredTasks: []string{"test"}},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.SetLevel(cfg.LogLevel)

	if cfg.Redis.Embedded {
		mr := miniredis.NewMiniRedis()
		addr := cfg.Redis.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		if err := mr.StartAddr(addr); err != nil {
			return fmt.Errorf("start embedded redis: %w", err)
		}
		defer mr.Close()
		cfg.Redis.Addr = mr.Addr()
		logger.Log.Info().Str("addr", mr.Addr()).Msg("Embedded redis started")
	}

	orch, err := swarm.New(*cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	for _, wc := range cfg.Workers {
		if _, err := orch.AddWorker(wc, newDemoStrategy(wc, workDurationFlag)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	if cfg.API.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	apiServer := &http.Server{Addr: cfg.API.Addr, Handler: setupRouter(orch, cfg.API.APIKey)}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}

	serverErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Log.Info().Str("addr", srv.Addr).Msgf("%s listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("%s: %w", name, err)
		}
	}
	go serve("API server", apiServer)
	if cfg.Metrics.Addr != "" {
		go serve("Metrics server", metricsServer)
	}

	select {
	case <-ctx.Done():
		logger.Log.Info().Msg("Shutting down swarm...")
	case err = <-serverErr:
		logger.Log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	if stopErr := orch.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
