package identity

import (
	"os"

	"github.com/google/uuid"

	"github.com/benmeehan/tunnel-agent/pkg/file"
)

// Identity holds the agent's unique identifier and other metadata.
type Identity struct {
	ID     string            `json:"agent_id,omitempty"`
	Name   string            `json:"agent_name,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// AgentInfoInterface defines methods for managing the agent identity.
type AgentInfoInterface interface {
	LoadAgentInfo() error
	EnsureAgentID() (string, error)
	GetAgentID() string
	GetAgentIdentity() *Identity
}

// AgentInfo manages the agent identity and its associated file operations.
type AgentInfo struct {
	AgentInfoFile string
	Identity      Identity
	fileOps       file.FileOperations
}

// NewAgentInfo initializes a new AgentInfo instance.
func NewAgentInfo(filePath string, fileOps file.FileOperations) AgentInfoInterface {
	return &AgentInfo{
		AgentInfoFile: filePath,
		fileOps:       fileOps,
		Identity:      Identity{},
	}
}

// LoadAgentInfo reads the identity file and populates the Identity field.
// A missing file is not an error; the agent provisions itself through
// EnsureAgentID.
func (a *AgentInfo) LoadAgentInfo() error {
	err := a.fileOps.ReadJsonFile(a.AgentInfoFile, &a.Identity)
	if err != nil {
		if os.IsNotExist(err) {
			a.Identity = Identity{}
			return nil
		}
		return err
	}

	return nil
}

// EnsureAgentID returns the persisted agent ID, generating and saving a
// new one when the identity file carries none.
func (a *AgentInfo) EnsureAgentID() (string, error) {
	if a.Identity.ID != "" {
		return a.Identity.ID, nil
	}

	a.Identity.ID = uuid.New().String()
	if err := a.fileOps.WriteJsonFile(a.AgentInfoFile, a.Identity); err != nil {
		a.Identity.ID = ""
		return "", err
	}
	return a.Identity.ID, nil
}

// GetAgentID returns the current agent ID.
func (a *AgentInfo) GetAgentID() string {
	return a.Identity.ID
}

// GetAgentIdentity returns the current agent Identity.
func (a *AgentInfo) GetAgentIdentity() *Identity {
	return &a.Identity
}
