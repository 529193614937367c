package service_registry_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tunnel-agent/internal/service_registry"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/benmeehan/tunnel-agent/pkg/identity"
)

// fakeService records lifecycle calls in a shared journal.
type fakeService struct {
	name     string
	journal  *[]string
	startErr error
	stopErr  error
}

func (f *fakeService) Start() error {
	*f.journal = append(*f.journal, "start "+f.name)
	return f.startErr
}

func (f *fakeService) Stop() error {
	*f.journal = append(*f.journal, "stop "+f.name)
	return f.stopErr
}

type fakeAgentInfo struct{}

func (fakeAgentInfo) LoadAgentInfo() error                 { return nil }
func (fakeAgentInfo) EnsureAgentID() (string, error)       { return "agent-1", nil }
func (fakeAgentInfo) GetAgentID() string                   { return "agent-1" }
func (fakeAgentInfo) GetAgentIdentity() *identity.Identity { return nil }

func TestServiceRegistry_StartAndStopOrder(t *testing.T) {
	registry := service_registry.NewServiceRegistry(nil, nil, zerolog.Nop())

	var journal []string
	registry.RegisterService("a", &fakeService{name: "a", journal: &journal})
	registry.RegisterService("b", &fakeService{name: "b", journal: &journal})

	require.NoError(t, registry.StartServices())
	require.NoError(t, registry.StopServices())

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, journal)
}

func TestServiceRegistry_StartFailureStopsStartedServices(t *testing.T) {
	registry := service_registry.NewServiceRegistry(nil, nil, zerolog.Nop())

	var journal []string
	registry.RegisterService("a", &fakeService{name: "a", journal: &journal})
	registry.RegisterService("b", &fakeService{name: "b", journal: &journal, startErr: errors.New("boom")})

	require.Error(t, registry.StartServices())
	assert.Equal(t, []string{"start a", "start b", "stop a"}, journal)
}

func TestServiceRegistry_StopCollectsErrors(t *testing.T) {
	registry := service_registry.NewServiceRegistry(nil, nil, zerolog.Nop())

	var journal []string
	registry.RegisterService("a", &fakeService{name: "a", journal: &journal, stopErr: errors.New("a failed")})
	registry.RegisterService("b", &fakeService{name: "b", journal: &journal})

	require.NoError(t, registry.StartServices())
	err := registry.StopServices()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop a")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, journal)
}

func TestServiceRegistry_RegisterServicesFromConfig(t *testing.T) {
	config := &utils.Config{}
	config.SSH.Server = "ssh.example.com"
	config.SSH.User = "agent"
	config.SSH.Password = "sekret"
	config.Services.Tunnel.Enabled = true
	config.Services.Tunnel.RequestTopic = "tunnels/requests"
	config.Services.Status.Enabled = true
	config.Services.Status.Topic = "tunnels/status"

	registry := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop())
	require.NoError(t, registry.RegisterServices(config, fakeAgentInfo{}))
}

func TestServiceRegistry_StatusRequiresTunnelService(t *testing.T) {
	config := &utils.Config{}
	config.Services.Status.Enabled = true

	registry := service_registry.NewServiceRegistry(nil, file.NewFileService(), zerolog.Nop())
	err := registry.RegisterServices(config, fakeAgentInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the tunnel service")
}
