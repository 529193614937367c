package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/benmeehan/tunnel-agent/internal/service_registry"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/benmeehan/tunnel-agent/pkg/identity"
	"github.com/benmeehan/tunnel-agent/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the agent configuration file")
	envFile := flag.String("env-file", "", "optional .env file with credential variables")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	// Set up structured logging with JSON output
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(strings.ToLower(*logLevel)); err == nil {
		logger = logger.Level(level)
	} else {
		logger.Warn().Str("level", *logLevel).Msg("Unknown log level, using info")
	}

	// Credentials referenced as ${VARS} in the config come from the environment
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Fatal().Err(err).Str("file", *envFile).Msg("Failed to load environment file")
		}
	} else {
		_ = godotenv.Load()
	}

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	// Generate a unique MQTT Client ID by appending a UUID
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT Client ID")

	// Initialize the shared MQTT connection
	mqttClient := mqtt.NewMqttService(fileClient)
	err = mqttClient.Initialize(config.MQTT.Broker, config.MQTT.ClientID, config.MQTT.CACertificate,
		config.MQTT.Username, config.MQTT.Password)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
	}

	// Initialize the agent identity, creating one on first boot
	agentInfo := identity.NewAgentInfo(config.Identity.AgentFile, fileClient)
	if err := agentInfo.LoadAgentInfo(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load agent identity")
	}
	agentID, err := agentInfo.EnsureAgentID()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure agent ID")
	}
	logger.Info().Str("agent_id", agentID).Msg("Agent identity ready")

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(mqttClient, fileClient, logger)

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config, agentInfo); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register services")
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop some services")
	}
	mqttClient.Disconnect(250)
}
