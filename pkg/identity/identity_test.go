package identity_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/benmeehan/tunnel-agent/pkg/identity"
)

func TestAgentInfo_LoadMissingFileIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	agentInfo := identity.NewAgentInfo(path, file.NewFileService())

	require.NoError(t, agentInfo.LoadAgentInfo())
	assert.Empty(t, agentInfo.GetAgentID())
}

func TestAgentInfo_EnsureAgentIDGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	fileClient := file.NewFileService()

	agentInfo := identity.NewAgentInfo(path, fileClient)
	require.NoError(t, agentInfo.LoadAgentInfo())

	agentID, err := agentInfo.EnsureAgentID()
	require.NoError(t, err)
	_, err = uuid.Parse(agentID)
	require.NoError(t, err)
	assert.Equal(t, agentID, agentInfo.GetAgentID())

	// A fresh instance over the same file must come back with the same ID
	reloaded := identity.NewAgentInfo(path, fileClient)
	require.NoError(t, reloaded.LoadAgentInfo())
	reloadedID, err := reloaded.EnsureAgentID()
	require.NoError(t, err)
	assert.Equal(t, agentID, reloadedID)
}

func TestAgentInfo_EnsureAgentIDKeepsExistingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	fileClient := file.NewFileService()
	require.NoError(t, fileClient.WriteJsonFile(path, identity.Identity{ID: "existing-id", Name: "bench-agent"}))

	agentInfo := identity.NewAgentInfo(path, fileClient)
	require.NoError(t, agentInfo.LoadAgentInfo())

	agentID, err := agentInfo.EnsureAgentID()
	require.NoError(t, err)
	assert.Equal(t, "existing-id", agentID)
	assert.Equal(t, "bench-agent", agentInfo.GetAgentIdentity().Name)
}

func TestAgentInfo_EnsureAgentIDRollsBackOnWriteError(t *testing.T) {
	// A regular file in the parent position makes every write fail
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	path := filepath.Join(blocker, "agent.json")

	agentInfo := identity.NewAgentInfo(path, file.NewFileService())

	_, err := agentInfo.EnsureAgentID()
	require.Error(t, err)
	assert.Empty(t, agentInfo.GetAgentID())
}
