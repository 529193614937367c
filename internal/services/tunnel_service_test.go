package services_test

import (
	"encoding/json"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/internal/services"
	"github.com/benmeehan/tunnel-agent/internal/tunnel"
	"github.com/benmeehan/tunnel-agent/internal/tunnel/tunneltest"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
)

const testAgentID = "agent-1"

// capturedHandlers holds the MQTT handlers the service registered, so tests
// can feed it requests without a broker.
type capturedHandlers struct {
	open  MQTT.MessageHandler
	close MQTT.MessageHandler
}

func defaultTunnelConfig() utils.TunnelConfig {
	return utils.TunnelConfig{
		Enabled:      true,
		RequestTopic: "tunnels/requests",
		ReplyTopic:   "tunnels/replies",
		EventsTopic:  "tunnels/events",
		QOS:          1,
		MaxTunnels:   4,
	}
}

// startTunnelService wires a TunnelService to a fake transport and mock MQTT
// client and starts it.
func startTunnelService(t *testing.T, config utils.TunnelConfig) (*services.TunnelService, *tunneltest.Transport, *MockMQTTClient, *capturedHandlers) {
	t.Helper()

	transport := tunneltest.NewTransport()
	supervisor := tunnel.NewSupervisor(transport, zerolog.Nop())

	agentInfo := new(MockAgentInfo)
	agentInfo.On("GetAgentID").Return(testAgentID)

	handlers := &capturedHandlers{}
	mqttClient := new(MockMQTTClient)
	mqttClient.On("Subscribe", "tunnels/requests/agent-1/open", byte(config.QOS), mock.Anything).
		Run(func(args mock.Arguments) {
			handlers.open = args.Get(2).(MQTT.MessageHandler)
		}).
		Return(newMockToken(nil))
	mqttClient.On("Subscribe", "tunnels/requests/agent-1/close", byte(config.QOS), mock.Anything).
		Run(func(args mock.Arguments) {
			handlers.close = args.Get(2).(MQTT.MessageHandler)
		}).
		Return(newMockToken(nil))
	mqttClient.On("Unsubscribe", mock.Anything).Return(newMockToken(nil)).Maybe()

	service := services.NewTunnelService(config, "ssh.example.com:22", "agent", "", "sekret",
		2*time.Second, 25*time.Millisecond, supervisor, agentInfo, mqttClient,
		file.NewFileService(), zerolog.Nop())

	require.NoError(t, service.Start())
	t.Cleanup(func() {
		service.Stop()
	})
	require.NotNil(t, handlers.open)
	require.NotNil(t, handlers.close)

	return service, transport, mqttClient, handlers
}

func sendOpenRequest(t *testing.T, handlers *capturedHandlers, request models.TunnelOpenRequest) {
	t.Helper()
	payload, err := json.Marshal(request)
	require.NoError(t, err)
	handlers.open(nil, NewMockMessage("tunnels/requests/agent-1/open", payload))
}

func sendCloseRequest(t *testing.T, handlers *capturedHandlers, request models.TunnelCloseRequest) {
	t.Helper()
	payload, err := json.Marshal(request)
	require.NoError(t, err)
	handlers.close(nil, NewMockMessage("tunnels/requests/agent-1/close", payload))
}

func TestTunnelService_OpenAndCloseOverMQTT(t *testing.T) {
	service, transport, mqttClient, handlers := startTunnelService(t, defaultTunnelConfig())

	published := make(chan publishedMessage, 8)
	expectPublishes(mqttClient, published)

	// Open a session
	sendOpenRequest(t, handlers, models.TunnelOpenRequest{
		RequestID: "req-1",
		ServerID:  "server-1",
		Target:    "127.0.0.1:5432",
	})

	msg := waitPublished(t, published, "tunnels/replies/server-1")
	var reply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, testAgentID, reply.AgentID)
	assert.Empty(t, reply.Error)
	require.NotEmpty(t, reply.SessionID)
	assert.NotZero(t, reply.BoundPort)

	require.Len(t, service.Snapshot(), 1)
	require.Len(t, transport.Conns(), 1)

	// Close it again
	sendCloseRequest(t, handlers, models.TunnelCloseRequest{
		RequestID: "req-2",
		ServerID:  "server-1",
		SessionID: reply.SessionID,
	})

	event := waitPublished(t, published, "tunnels/events/agent-1")
	var closed models.TunnelClosedEvent
	require.NoError(t, json.Unmarshal(event.payload, &closed))
	assert.Equal(t, reply.SessionID, closed.SessionID)
	assert.Equal(t, "closed", closed.Reason)
	assert.Equal(t, reply.BoundPort, closed.BoundPort)

	msg = waitPublished(t, published, "tunnels/replies/server-1")
	var closeReply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &closeReply))
	assert.Equal(t, "req-2", closeReply.RequestID)
	assert.Equal(t, reply.SessionID, closeReply.SessionID)
	assert.Empty(t, closeReply.Error)

	assert.Empty(t, service.Snapshot())
	assert.True(t, transport.Conns()[0].Closed())
}

func TestTunnelService_RejectsDisallowedTarget(t *testing.T) {
	config := defaultTunnelConfig()
	config.AllowedTargets = []string{"127.0.0.1:5432"}
	_, transport, mqttClient, handlers := startTunnelService(t, config)

	published := make(chan publishedMessage, 8)
	expectPublishes(mqttClient, published)

	sendOpenRequest(t, handlers, models.TunnelOpenRequest{
		RequestID: "req-1",
		ServerID:  "server-1",
		Target:    "127.0.0.1:6000",
	})

	msg := waitPublished(t, published, "tunnels/replies/server-1")
	var reply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	assert.Contains(t, reply.Error, "not in the allowed list")
	assert.Empty(t, reply.SessionID)

	// The request must be rejected before any SSH work happens
	assert.Empty(t, transport.Conns())
}

func TestTunnelService_EnforcesMaxTunnels(t *testing.T) {
	config := defaultTunnelConfig()
	config.MaxTunnels = 1
	_, _, mqttClient, handlers := startTunnelService(t, config)

	published := make(chan publishedMessage, 8)
	expectPublishes(mqttClient, published)

	sendOpenRequest(t, handlers, models.TunnelOpenRequest{
		RequestID: "req-1",
		ServerID:  "server-1",
		Target:    "127.0.0.1:5432",
	})
	msg := waitPublished(t, published, "tunnels/replies/server-1")
	var reply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	require.Empty(t, reply.Error)

	sendOpenRequest(t, handlers, models.TunnelOpenRequest{
		RequestID: "req-2",
		ServerID:  "server-1",
		Target:    "127.0.0.1:5433",
	})
	msg = waitPublished(t, published, "tunnels/replies/server-1")
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	assert.Contains(t, reply.Error, "maximum tunnel sessions reached")
}

func TestTunnelService_PublishesEventOnUnexpectedClose(t *testing.T) {
	service, transport, mqttClient, handlers := startTunnelService(t, defaultTunnelConfig())

	published := make(chan publishedMessage, 8)
	expectPublishes(mqttClient, published)

	sendOpenRequest(t, handlers, models.TunnelOpenRequest{
		RequestID: "req-1",
		ServerID:  "server-1",
		Target:    "127.0.0.1:5432",
	})
	msg := waitPublished(t, published, "tunnels/replies/server-1")
	var reply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	require.Empty(t, reply.Error)

	// Kill the SSH transport underneath the session
	require.Len(t, transport.Conns(), 1)
	transport.Conns()[0].Drop()

	event := waitPublished(t, published, "tunnels/events/agent-1")
	var closed models.TunnelClosedEvent
	require.NoError(t, json.Unmarshal(event.payload, &closed))
	assert.Equal(t, reply.SessionID, closed.SessionID)
	assert.Contains(t, closed.Reason, "ssh transport dropped")

	errMsg := waitPublished(t, published, "tunnels/replies/server-1")
	var errReply models.TunnelReply
	require.NoError(t, json.Unmarshal(errMsg.payload, &errReply))
	assert.Equal(t, reply.SessionID, errReply.SessionID)
	assert.Contains(t, errReply.Error, "ssh transport dropped")

	assert.Empty(t, service.Snapshot())
	assert.EqualValues(t, 1, service.FailedSessions())
}

func TestTunnelService_OpensStaticTunnelsOnStart(t *testing.T) {
	config := defaultTunnelConfig()
	config.Static = []utils.StaticTunnel{
		{Target: "127.0.0.1:9000"},
	}
	service, transport, _, _ := startTunnelService(t, config)

	assert.Eventually(t, func() bool {
		return len(service.Snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	statuses := service.Snapshot()
	require.Len(t, statuses, 1)
	assert.Equal(t, "active", statuses[0].State)
	assert.Equal(t, "127.0.0.1:9000", statuses[0].Target)
	assert.Len(t, transport.Conns(), 1)
}

func TestTunnelService_CloseUnknownSession(t *testing.T) {
	_, _, mqttClient, handlers := startTunnelService(t, defaultTunnelConfig())

	published := make(chan publishedMessage, 8)
	expectPublishes(mqttClient, published)

	sendCloseRequest(t, handlers, models.TunnelCloseRequest{
		RequestID: "req-1",
		ServerID:  "server-1",
		SessionID: "no-such-session",
	})

	msg := waitPublished(t, published, "tunnels/replies/server-1")
	var reply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	assert.Contains(t, reply.Error, "unknown session")
}

func TestTunnelService_StartRequiresCredentials(t *testing.T) {
	transport := tunneltest.NewTransport()
	supervisor := tunnel.NewSupervisor(transport, zerolog.Nop())
	agentInfo := new(MockAgentInfo)
	mqttClient := new(MockMQTTClient)

	service := services.NewTunnelService(defaultTunnelConfig(), "ssh.example.com:22", "agent",
		"", "", 0, 0, supervisor, agentInfo, mqttClient, file.NewFileService(), zerolog.Nop())

	err := service.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of")
}

func TestTunnelService_StartTwiceFails(t *testing.T) {
	service, _, _, _ := startTunnelService(t, defaultTunnelConfig())
	assert.Error(t, service.Start())
}

func TestTunnelService_StopClosesOpenSessions(t *testing.T) {
	service, transport, mqttClient, handlers := startTunnelService(t, defaultTunnelConfig())

	published := make(chan publishedMessage, 8)
	expectPublishes(mqttClient, published)

	sendOpenRequest(t, handlers, models.TunnelOpenRequest{
		RequestID: "req-1",
		ServerID:  "server-1",
		Target:    "127.0.0.1:5432",
	})
	msg := waitPublished(t, published, "tunnels/replies/server-1")
	var reply models.TunnelReply
	require.NoError(t, json.Unmarshal(msg.payload, &reply))
	require.Empty(t, reply.Error)

	require.NoError(t, service.Stop())

	assert.Empty(t, service.Snapshot())
	for _, conn := range transport.Conns() {
		assert.True(t, conn.Closed())
	}
	// Requested teardown must not be reported as a failure
	assert.Zero(t, service.FailedSessions())
}
