package main

import (
	"flag"

	"llmrelay/internal/config"
	logpkg "llmrelay/internal/log"
	"llmrelay/internal/server"
	"llmrelay/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	host := flag.String("host", "", "Host to bind to")
	port := flag.String("port", "", "Port to listen on")
	mapFile := flag.String("map_file", "", "Path to mapping configuration file")
	upstreamURL := flag.String("server", "", "Upstream base URL")
	flag.Parse()

	dotenvErr := godotenv.Load()

	logger := logpkg.CreateLogger()
	defer func() {
		if appLog, ok := logger.(*logpkg.AppLogger); ok {
			_ = appLog.Close()
		}
	}()

	if dotenvErr != nil {
		logger.Warn("No .env file found, using system environment variables")
	}

	storageInstance, err := storage.InitStorage(logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() { _ = storageInstance.Close() }()

	cfg, err := config.LoadServerConfigFromEnv(logger)
	if err != nil {
		logger.Fatal("Failed to load server configuration: %v", err)
	}

	config.FlagOverrides{
		Host:        *host,
		Port:        *port,
		MappingFile: *mapFile,
		UpstreamURL: *upstreamURL,
	}.Apply(&cfg)

	cfg.Storage = storageInstance
	cfg.Logger = logger

	srv, err := server.NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to create server: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if err := srv.Run(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}
