package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/internal/tunnel"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/benmeehan/tunnel-agent/pkg/identity"
	"github.com/benmeehan/tunnel-agent/pkg/mqtt"
	"github.com/benmeehan/tunnel-agent/pkg/sshtransport"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// sessionEntry pairs an open session with the backend that requested it.
type sessionEntry struct {
	session  *tunnel.Session
	serverID string
}

// TunnelService opens and closes reverse tunnel sessions on MQTT request.
type TunnelService struct {
	Config            utils.TunnelConfig
	SSHServer         string
	SSHUser           string
	PrivateKeyPath    string
	SSHPassword       string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration

	Supervisor *tunnel.Supervisor
	DeviceInfo identity.AgentInfoInterface
	MqttClient mqtt.MQTTClient
	FileClient file.FileOperations
	Logger     zerolog.Logger

	creds          sshtransport.Credentials
	allowedTargets map[string]struct{}
	sessions       cmap.ConcurrentMap[string, *sessionEntry]
	failedSessions int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTunnelService initializes a new TunnelService instance.
func NewTunnelService(config utils.TunnelConfig, sshServer, sshUser, privateKeyPath, sshPassword string,
	connectTimeout, keepaliveInterval time.Duration, supervisor *tunnel.Supervisor,
	deviceInfo identity.AgentInfoInterface, mqttClient mqtt.MQTTClient,
	fileClient file.FileOperations, logger zerolog.Logger) *TunnelService {

	if config.MaxTunnels == 0 {
		config.MaxTunnels = constants.MaxTunnels
	}
	if connectTimeout == 0 {
		connectTimeout = constants.ConnectTimeout
	}
	if keepaliveInterval == 0 {
		keepaliveInterval = constants.KeepaliveInterval
	}

	return &TunnelService{
		Config:            config,
		SSHServer:         sshServer,
		SSHUser:           sshUser,
		PrivateKeyPath:    privateKeyPath,
		SSHPassword:       sshPassword,
		ConnectTimeout:    connectTimeout,
		KeepaliveInterval: keepaliveInterval,
		Supervisor:        supervisor,
		DeviceInfo:        deviceInfo,
		MqttClient:        mqttClient,
		FileClient:        fileClient,
		Logger:            logger,
		sessions:          cmap.New[*sessionEntry](),
	}
}

// Start loads the SSH credentials and subscribes to the tunnel request topics.
func (s *TunnelService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("TunnelService is already running")
		return errors.New("tunnel service is already running")
	}

	if err := s.loadCredentials(); err != nil {
		return err
	}
	if err := s.loadAllowedTargets(); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.subscribe(s.openTopic(), s.handleOpenRequest); err != nil {
		s.reset()
		return err
	}
	if err := s.subscribe(s.closeTopic(), s.handleCloseRequest); err != nil {
		s.MqttClient.Unsubscribe(s.openTopic()).Wait()
		s.reset()
		return err
	}

	if len(s.Config.Static) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.openStaticTunnels()
		}()
	}

	s.Logger.Info().Msg("Tunnel service started successfully")
	return nil
}

// Stop unsubscribes from the request topics and tears down all open sessions.
func (s *TunnelService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("TunnelService is not running")
		return errors.New("tunnel service is not running")
	}

	s.cancel()

	for _, topic := range []string{s.openTopic(), s.closeTopic()} {
		token := s.MqttClient.Unsubscribe(topic)
		token.Wait()
		if err := token.Error(); err != nil {
			s.Logger.Warn().Err(err).Str("topic", topic).Msg("Failed to unsubscribe from MQTT topic")
		}
	}

	s.Logger.Debug().Msg("Waiting for in-flight tunnel requests to finish")
	s.wg.Wait()

	for item := range s.sessions.IterBuffered() {
		item.Val.session.Remove(true)
		s.sessions.Remove(item.Key)
	}

	s.reset()
	s.Logger.Info().Msg("Tunnel service stopped successfully")
	return nil
}

// Snapshot reports the current state of every tracked session.
func (s *TunnelService) Snapshot() []models.TunnelStatus {
	statuses := make([]models.TunnelStatus, 0, s.sessions.Count())
	for item := range s.sessions.IterBuffered() {
		sess := item.Val.session
		statuses = append(statuses, models.TunnelStatus{
			SessionID:      sess.ID(),
			State:          sess.State().String(),
			BoundPort:      sess.BoundPort(),
			Target:         sess.Descriptor().Target(),
			ActiveChannels: sess.ActiveChannels(),
		})
	}
	return statuses
}

// FailedSessions returns how many sessions have closed unexpectedly since startup.
func (s *TunnelService) FailedSessions() int64 {
	return atomic.LoadInt64(&s.failedSessions)
}

func (s *TunnelService) reset() {
	s.cancel()
	s.ctx = nil
	s.cancel = nil
}

// loadCredentials builds the SSH credentials from the configured key file or
// password. Exactly one of the two must be set.
func (s *TunnelService) loadCredentials() error {
	hasKeyPath := s.PrivateKeyPath != ""
	hasPassword := s.SSHPassword != ""
	if hasKeyPath == hasPassword {
		return errors.New("exactly one of ssh.private_key_path and ssh.password must be set")
	}

	creds := sshtransport.Credentials{User: s.SSHUser}
	if hasKeyPath {
		key, err := s.FileClient.ReadFileRaw(s.PrivateKeyPath)
		if err != nil {
			s.Logger.Error().Err(err).Str("path", s.PrivateKeyPath).Msg("Failed to read SSH private key")
			return fmt.Errorf("failed to read SSH private key: %w", err)
		}
		if _, err := ssh.ParsePrivateKey(key); err != nil {
			s.Logger.Error().Err(err).Msg("Failed to parse SSH private key")
			return fmt.Errorf("failed to parse SSH private key: %w", err)
		}
		creds.PrivateKey = key
		s.Logger.Debug().Msg("SSH private key loaded successfully")
	} else {
		creds.Password = s.SSHPassword
	}

	s.creds = creds
	return nil
}

// loadAllowedTargets normalizes the configured whitelist so it matches the
// normalized target addresses on incoming requests.
func (s *TunnelService) loadAllowedTargets() error {
	normalized := make([]string, 0, len(s.Config.AllowedTargets))
	for _, target := range s.Config.AllowedTargets {
		addr, err := tunnel.NormalizeAddress(target, constants.DefaultSSHPort)
		if err != nil {
			return fmt.Errorf("invalid allowed target %q: %w", target, err)
		}
		normalized = append(normalized, addr)
	}
	s.allowedTargets = utils.SliceToSet(normalized)
	return nil
}

func (s *TunnelService) openTopic() string {
	return fmt.Sprintf("%s/%s/open", s.Config.RequestTopic, s.DeviceInfo.GetAgentID())
}

func (s *TunnelService) closeTopic() string {
	return fmt.Sprintf("%s/%s/close", s.Config.RequestTopic, s.DeviceInfo.GetAgentID())
}

// subscribe subscribes to a single MQTT request topic.
func (s *TunnelService) subscribe(topic string, handler MQTT.MessageHandler) error {
	s.Logger.Info().Str("topic", topic).Msg("Subscribing to MQTT topic")
	token := s.MqttClient.Subscribe(topic, byte(s.Config.QOS), handler)
	token.Wait()
	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		return err
	}
	return nil
}

// handleOpenRequest processes incoming tunnel open requests from MQTT.
func (s *TunnelService) handleOpenRequest(client MQTT.Client, msg MQTT.Message) {
	var request models.TunnelOpenRequest
	if err := json.Unmarshal(msg.Payload(), &request); err != nil {
		s.Logger.Error().Err(err).Bytes("payload", msg.Payload()).Msg("Invalid tunnel open request payload")
		return
	}

	s.Logger.Debug().
		Str("request_id", request.RequestID).
		Str("server_id", request.ServerID).
		Str("target", request.Target).
		Msg("Received tunnel open request")

	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	// Opening a session can take up to the connect timeout, so it must not
	// block the MQTT router.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processOpenRequest(request)
	}()
}

// handleCloseRequest processes incoming tunnel close requests from MQTT.
func (s *TunnelService) handleCloseRequest(client MQTT.Client, msg MQTT.Message) {
	var request models.TunnelCloseRequest
	if err := json.Unmarshal(msg.Payload(), &request); err != nil {
		s.Logger.Error().Err(err).Bytes("payload", msg.Payload()).Msg("Invalid tunnel close request payload")
		return
	}

	s.Logger.Debug().
		Str("request_id", request.RequestID).
		Str("session_id", request.SessionID).
		Msg("Received tunnel close request")

	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processCloseRequest(request)
	}()
}

func (s *TunnelService) processOpenRequest(request models.TunnelOpenRequest) {
	reply := models.TunnelReply{
		RequestID: request.RequestID,
		AgentID:   s.DeviceInfo.GetAgentID(),
	}

	sessionID, boundPort, err := s.openSession(request)
	if err != nil {
		s.Logger.Error().Err(err).Str("request_id", request.RequestID).Msg("Failed to open tunnel session")
		reply.Error = err.Error()
	} else {
		reply.SessionID = sessionID
		reply.BoundPort = boundPort
	}

	s.publishReply(request.ServerID, reply)
}

// openSession validates the request, opens the session through the supervisor
// and registers it for status reporting and later teardown.
func (s *TunnelService) openSession(request models.TunnelOpenRequest) (string, int, error) {
	if s.sessions.Count() >= s.Config.MaxTunnels {
		return "", 0, fmt.Errorf("maximum tunnel sessions reached: %d", s.Config.MaxTunnels)
	}

	bind := tunnel.BindSpec{
		Address: request.BindAddress,
		PortMin: request.BindPortMin,
		PortMax: request.BindPortMax,
		PortTry: request.BindPortTry,
	}
	desc, err := tunnel.NewDescriptor(s.SSHServer, bind, request.Target, s.creds)
	if err != nil {
		return "", 0, err
	}

	if len(s.allowedTargets) > 0 {
		if _, ok := s.allowedTargets[desc.Target()]; !ok {
			return "", 0, fmt.Errorf("target %s is not in the allowed list", desc.Target())
		}
	}

	opts := tunnel.DefaultCreateOptions()
	opts.Timeout = s.ConnectTimeout
	opts.KeepaliveInterval = s.KeepaliveInterval
	opts.VerifyTarget = s.Config.VerifyTarget
	opts.StatusDir = s.Config.StatusDir
	opts.OnUnexpectedClose = s.handleUnexpectedClose

	sess, err := s.Supervisor.Create(desc, opts)
	if err != nil {
		return "", 0, err
	}

	s.sessions.Set(sess.ID(), &sessionEntry{session: sess, serverID: request.ServerID})

	// The session can die between Create returning and the entry landing in
	// the map, in which case the close callback found nothing to remove.
	select {
	case <-sess.Done():
		s.sessions.Remove(sess.ID())
	default:
	}

	s.Logger.Info().
		Str("session_id", sess.ID()).
		Int("bound_port", sess.BoundPort()).
		Str("target", desc.Target()).
		Msg("Tunnel session opened")
	return sess.ID(), sess.BoundPort(), nil
}

func (s *TunnelService) processCloseRequest(request models.TunnelCloseRequest) {
	reply := models.TunnelReply{
		RequestID: request.RequestID,
		AgentID:   s.DeviceInfo.GetAgentID(),
		SessionID: request.SessionID,
	}

	entry, found := s.sessions.Pop(request.SessionID)
	if !found {
		reply.Error = fmt.Sprintf("unknown session: %s", request.SessionID)
		s.publishReply(request.ServerID, reply)
		return
	}

	entry.session.Remove(true)
	reply.BoundPort = entry.session.BoundPort()

	// A session that failed while the close request was in flight has already
	// published its own event.
	if entry.session.State() == tunnel.StateClosed {
		s.publishClosedEvent(entry.session, "closed")
	}
	s.publishReply(request.ServerID, reply)

	s.Logger.Info().Str("session_id", request.SessionID).Msg("Tunnel session closed")
}

// handleUnexpectedClose runs after a session tore itself down. The session's
// resources are already released by the time it is called.
func (s *TunnelService) handleUnexpectedClose(sess *tunnel.Session) {
	atomic.AddInt64(&s.failedSessions, 1)
	entry, _ := s.sessions.Pop(sess.ID())

	reason := "transport dropped"
	if err := sess.Err(); err != nil {
		reason = err.Error()
	}
	s.Logger.Warn().
		Str("session_id", sess.ID()).
		Str("reason", reason).
		Msg("Tunnel session closed unexpectedly")

	s.publishClosedEvent(sess, reason)
	if entry != nil && entry.serverID != "" {
		s.publishReply(entry.serverID, models.TunnelReply{
			AgentID:   s.DeviceInfo.GetAgentID(),
			SessionID: sess.ID(),
			BoundPort: sess.BoundPort(),
			Error:     reason,
		})
	}
}

// openStaticTunnels opens the tunnels declared in the configuration. They have
// no requesting backend, so failures are only logged.
func (s *TunnelService) openStaticTunnels() {
	for _, static := range s.Config.Static {
		if s.ctx.Err() != nil {
			return
		}

		request := models.TunnelOpenRequest{
			BindAddress: static.BindAddress,
			BindPortMin: static.BindPortMin,
			BindPortMax: static.BindPortMax,
			BindPortTry: static.BindPortTry,
			Target:      static.Target,
		}
		sessionID, boundPort, err := s.openSession(request)
		if err != nil {
			s.Logger.Error().Err(err).Str("target", static.Target).Msg("Failed to open static tunnel")
			continue
		}
		s.Logger.Info().
			Str("session_id", sessionID).
			Int("bound_port", boundPort).
			Str("target", static.Target).
			Msg("Static tunnel opened")
	}
}

// publishClosedEvent announces a terminal session on the events topic.
func (s *TunnelService) publishClosedEvent(sess *tunnel.Session, reason string) {
	event := models.TunnelClosedEvent{
		AgentID:   s.DeviceInfo.GetAgentID(),
		SessionID: sess.ID(),
		BoundPort: sess.BoundPort(),
		Target:    sess.Descriptor().Target(),
		Reason:    reason,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to marshal tunnel closed event")
		return
	}

	topic := fmt.Sprintf("%s/%s", s.Config.EventsTopic, s.DeviceInfo.GetAgentID())
	token := s.MqttClient.Publish(topic, byte(s.Config.QOS), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish tunnel closed event")
	}
}

// publishReply sends the outcome of a request back to the backend that sent it.
func (s *TunnelService) publishReply(serverID string, reply models.TunnelReply) {
	if serverID == "" {
		return
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to marshal tunnel reply")
		return
	}

	topic := fmt.Sprintf("%s/%s", s.Config.ReplyTopic, serverID)
	token := s.MqttClient.Publish(topic, byte(s.Config.QOS), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish tunnel reply")
	} else {
		s.Logger.Debug().Str("topic", topic).Msg("Published tunnel reply")
	}
}
