package service_registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/host_metrics"
	"github.com/benmeehan/tunnel-agent/internal/services"
	"github.com/benmeehan/tunnel-agent/internal/tunnel"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/benmeehan/tunnel-agent/pkg/identity"
	"github.com/benmeehan/tunnel-agent/pkg/mqtt"
	"github.com/benmeehan/tunnel-agent/pkg/sshtransport"
	"github.com/rs/zerolog"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration
	mqttClient  mqtt.MQTTClient
	fileClient  file.FileOperations
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]Service),
		mqttClient: mqttClient,
		fileClient: fileClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, agentInfo identity.AgentInfoInterface) error {
	var tunnelService *services.TunnelService

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "tunnel",
			enabled: config.Services.Tunnel.Enabled,
			constructor: func() (Service, error) {
				var hostKey []byte
				if config.SSH.HostKeyPath != "" {
					var err error
					hostKey, err = sr.fileClient.ReadFileRaw(config.SSH.HostKeyPath)
					if err != nil {
						return nil, fmt.Errorf("failed to read SSH host key: %w", err)
					}
				}
				transport, err := sshtransport.NewSSHTransport(hostKey, sr.Logger)
				if err != nil {
					return nil, err
				}

				tunnelService = services.NewTunnelService(
					config.Services.Tunnel,
					config.SSH.Server,
					config.SSH.User,
					config.SSH.PrivateKeyPath,
					config.SSH.Password,
					time.Duration(config.SSH.ConnectTimeout)*time.Second,
					time.Duration(config.SSH.KeepaliveInterval)*time.Second,
					tunnel.NewSupervisor(transport, sr.Logger),
					agentInfo,
					sr.mqttClient,
					sr.fileClient,
					sr.Logger,
				)
				return tunnelService, nil
			},
		},
		{
			name:    "status",
			enabled: config.Services.Status.Enabled,
			constructor: func() (Service, error) {
				if tunnelService == nil {
					return nil, errors.New("status service requires the tunnel service to be enabled")
				}
				return services.NewStatusService(
					config.Services.Status.Topic,
					time.Duration(config.Services.Status.Interval)*time.Second,
					config.Services.Status.QOS,
					time.Duration(config.Services.Status.MetricsTimeout)*time.Second,
					agentInfo,
					sr.mqttClient,
					tunnelService,
					host_metrics.NewSampler(constants.MetricsWorkers, sr.Logger),
					sr.Logger,
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
