package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/pkg/identity"
	"github.com/benmeehan/tunnel-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// TunnelLister exposes the tunnel state needed for status reports.
type TunnelLister interface {
	Snapshot() []models.TunnelStatus
	FailedSessions() int64
}

// HostSampler collects host metrics for status reports.
type HostSampler interface {
	Sample(ctx context.Context) *models.HostMetrics
	Close()
}

// StatusService periodically publishes the agent status report.
type StatusService struct {
	PubTopic       string
	Interval       time.Duration
	QOS            int
	MetricsTimeout time.Duration
	DeviceInfo     identity.AgentInfoInterface
	MqttClient     mqtt.MQTTClient
	Tunnels        TunnelLister
	Host           HostSampler
	Logger         zerolog.Logger

	lastFailed int64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(pubTopic string, interval time.Duration, qos int, metricsTimeout time.Duration,
	deviceInfo identity.AgentInfoInterface, mqttClient mqtt.MQTTClient, tunnels TunnelLister,
	host HostSampler, logger zerolog.Logger) *StatusService {

	if interval == 0 {
		interval = constants.DefaultStatusInterval
	}
	if metricsTimeout == 0 {
		metricsTimeout = constants.MetricsTimeout
	}

	return &StatusService{
		PubTopic:       pubTopic,
		Interval:       interval,
		QOS:            qos,
		MetricsTimeout: metricsTimeout,
		DeviceInfo:     deviceInfo,
		MqttClient:     mqttClient,
		Tunnels:        tunnels,
		Host:           host,
		Logger:         logger,
	}
}

// Start launches the status loop in a separate goroutine.
func (s *StatusService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatusLoop()
	}()

	s.Logger.Info().Str("topic", s.PubTopic).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service and its metrics workers.
func (s *StatusService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	if s.Host != nil {
		s.Host.Close()
	}

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

// runStatusLoop publishes one report immediately and then one per interval.
func (s *StatusService) runStatusLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.publishStatus()

	for {
		select {
		case <-ticker.C:
			s.publishStatus()
		case <-s.ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}

// publishStatus assembles and publishes a single status report. The agent is
// reported degraded when sessions closed unexpectedly since the last report.
func (s *StatusService) publishStatus() {
	status := models.AgentStatus{
		AgentID:   s.DeviceInfo.GetAgentID(),
		Timestamp: time.Now(),
		Status:    constants.StatusHealthy,
		Tunnels:   s.Tunnels.Snapshot(),
	}

	failed := s.Tunnels.FailedSessions()
	if failed > s.lastFailed {
		status.Status = constants.StatusDegraded
	}
	s.lastFailed = failed

	if s.Host != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.MetricsTimeout)
		status.Host = s.Host.Sample(ctx)
		cancel()
	}

	payload, err := json.Marshal(status)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to serialize status report")
		return
	}

	token := s.MqttClient.Publish(s.PubTopic, byte(s.QOS), false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to publish status report")
	} else {
		s.Logger.Debug().Str("status", status.Status).Msg("Status report published successfully")
	}
}
