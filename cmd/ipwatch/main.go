// cmd/ipwatch/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/signalnine/ipwatch/internal/agent"
	"github.com/signalnine/ipwatch/internal/analysis"
	"github.com/signalnine/ipwatch/internal/config"
	"github.com/signalnine/ipwatch/internal/enrich"
	"github.com/signalnine/ipwatch/internal/llm"
	"github.com/signalnine/ipwatch/internal/metrics"
	"github.com/signalnine/ipwatch/internal/monitor"
	"github.com/signalnine/ipwatch/internal/notify"
	"github.com/signalnine/ipwatch/internal/server"
	"github.com/signalnine/ipwatch/internal/store"
)

var version = "dev"

var (
	serverConfigPath string
	agentConfigPath  string
	logFormat        string
)

var rootCmd = &cobra.Command{
	Use:          "ipwatch",
	Short:        "IP security monitoring with LLM risk analysis",
	SilenceUsage: true,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ingestion and analysis server",
	RunE:  runServer,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the log-shipping agent",
	RunE:  runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ipwatch", version)
	},
}

func init() {
	serverCmd.Flags().StringVarP(&serverConfigPath, "config", "c", "/etc/ipwatch/server.yaml", "server config file")
	agentCmd.Flags().StringVarP(&agentConfigPath, "config", "c", "/etc/ipwatch/agent.yaml", "agent config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log output format: json or console")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if logFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(serverConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath, cfg.HistoryCap)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	m := metrics.New()

	var completer analysis.Completer
	if len(cfg.LLMEndpoints) > 0 {
		var endpoints []llm.Endpoint
		for _, ep := range cfg.LLMEndpoints {
			endpoints = append(endpoints, llm.Endpoint{
				URL:    ep.URL,
				Model:  ep.Model,
				APIKey: ep.APIKey,
			})
		}
		completer = llm.NewClient(endpoints, cfg.LLMTimeout)
	} else {
		log.Warn().Msg("no llm_endpoints configured, every analysis uses the heuristic scorer")
	}

	enrichCfg := enrich.DefaultConfig()
	enrichCfg.GeoIPURL = cfg.Enrichment.GeoIPURL
	enrichCfg.AbuseIPDBKey = cfg.Enrichment.AbuseIPDBKey
	enrichCfg.ShodanKey = cfg.Enrichment.ShodanKey
	enrichCfg.Timeout = cfg.Enrichment.Timeout
	enrichCfg.CacheTTL = cfg.Enrichment.CacheTTL
	enrichCfg.CacheSize = cfg.Enrichment.CacheSize
	enricher := enrich.New(enrichCfg)

	var publisher analysis.Publisher
	if cfg.NATSURL != "" {
		p, err := notify.NewPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Warn().Err(err).Msg("risk event publication disabled")
		} else {
			defer p.Close()
			publisher = p
		}
	}

	engine := analysis.NewEngine(st, completer, enricher, publisher, m, analysis.Options{
		BlockThreshold: cfg.BlockThreshold,
		Levels:         cfg.RiskLevels,
		LLMTimeout:     cfg.LLMTimeout,
	})

	svc := monitor.New(st, engine, enricher, m, monitor.Options{
		Debounce:        cfg.Debounce,
		AnalysisTimeout: cfg.AnalysisTimeout,
		QueueSize:       cfg.QueueSize,
	})

	if cfg.APIKey == "" {
		log.Warn().Msg(config.APIKeyEnv + " not set, API authentication disabled")
	}
	srv := server.New(server.Config{
		ListenAddr:      cfg.ListenAddr,
		TLSCert:         cfg.TLSCert,
		TLSKey:          cfg.TLSKey,
		APIKey:          cfg.APIKey,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MetricsPath:     cfg.MetricsPath,
	}, svc, m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go svc.Run(ctx)

	log.Info().
		Str("version", version).
		Str("listen_addr", cfg.ListenAddr).
		Dur("debounce", cfg.Debounce).
		Int("llm_endpoints", len(cfg.LLMEndpoints)).
		Msg("ipwatch server starting")

	runErr := srv.Run(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AnalysisTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("analyses still running at shutdown")
	}
	log.Info().Msg("ipwatch server stopped")
	return runErr
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(agentConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return agent.New(cfg).Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
