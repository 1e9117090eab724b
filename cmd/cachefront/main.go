package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cachefront/cachefront"
	"github.com/cachefront/cachefront/cache"
	"github.com/cachefront/cachefront/pkg/generation"
	"github.com/cachefront/cachefront/pkg/rules"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	versionFlag        string
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&versionFlag, "version", "", "Deployment version token (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: sqlite, memory or redis (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for an in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis", "", "Redis address for the redis provider")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := cachefront.LoadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}

	// flags override config file and environment
	if portFlag != 0 {
		config.Port = portFlag
	}
	if versionFlag != "" {
		config.Version = versionFlag
	}
	if providerFlag != "" {
		config.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		config.DBFile = dbFilenameFlag
	}
	if redisAddrFlag != "" {
		config.RedisAddr = redisAddrFlag
	}

	if config.Version == "" {
		log.Fatal().Msg("Please specify a deployment version")
	}

	var provider cache.Provider
	switch config.Provider {
	case "sqlite":
		dbFilename := config.DBFile
		if dbFilename == "memory" {
			dbFilename = ""
		}
		sqliteProvider, err := cache.NewSQLiteProvider(dbFilename)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open cache db")
		}
		provider = sqliteProvider
	case "memory":
		provider = cache.NewMemProvider()
	case "redis":
		if config.RedisAddr == "" {
			log.Fatal().Msg("Please specify a redis address")
		}
		provider = cache.NewRedisProvider(redis.NewClient(&redis.Options{
			Addr: config.RedisAddr,
		}))
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", config.Provider)
	}

	front := cachefront.New(cachefront.Config{
		Provider: provider,
		Scheme: generation.Scheme{
			Prefix:  config.CacheName,
			Version: config.Version,
		},
		Rules:        rules.New(config.Rules),
		PrecacheURLs: config.PrecacheURLs,
		Logger:       &log.Logger,
	})

	ctx := context.Background()
	if err := front.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}
	if err := front.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Activate failed")
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/*", front.Middleware(cachefront.NetworkHandler(nil)))

	addr := fmt.Sprintf(":%d", config.Port)
	log.Info().Str("addr", addr).Msg("Listening")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
