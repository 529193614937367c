package file_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tunnel-agent/pkg/file"
)

func TestFileService_WriteJsonFileIsAtomic(t *testing.T) {
	fileClient := file.NewFileService()
	path := filepath.Join(t.TempDir(), "state.json")

	type state struct {
		Name string `json:"name"`
	}
	require.NoError(t, fileClient.WriteJsonFile(path, state{Name: "tunnel-agent"}))

	// The temp file must be gone after a successful write
	exists, err := fileClient.IsFileExists(path + ".tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	var loaded state
	require.NoError(t, fileClient.ReadJsonFile(path, &loaded))
	assert.Equal(t, "tunnel-agent", loaded.Name)
}

func TestFileService_IsFileExists(t *testing.T) {
	fileClient := file.NewFileService()
	path := filepath.Join(t.TempDir(), "present.txt")
	require.NoError(t, fileClient.WriteFile(path, "data"))

	exists, err := fileClient.IsFileExists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = fileClient.IsFileExists(filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileService_ReadMissingFileFails(t *testing.T) {
	fileClient := file.NewFileService()

	_, err := fileClient.ReadFileRaw(filepath.Join(t.TempDir(), "absent.key"))
	assert.Error(t, err)

	var v map[string]any
	assert.Error(t, fileClient.ReadYamlFile(filepath.Join(t.TempDir(), "absent.yaml"), &v))
}
