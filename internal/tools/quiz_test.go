package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"
)

func TestNewQuizRegistry_AdvertisedOrder(t *testing.T) {
	registry := NewQuizRegistry(QuizConfig{
		RunID:      "run-1",
		OutputDir:  t.TempDir(),
		CodeRunner: []string{"uv", "run"},
	})

	require.Equal(t, []string{
		CodeToolName,
		FetchToolName,
		DownloadToolName,
		SubmitToolName,
		DependencyToolName,
	}, registry.Names())

	for _, def := range registry.Definitions() {
		require.NotEmpty(t, def.Description, def.Name)
		require.Equal(t, "object", def.Parameters["type"], def.Name)
	}
}

func TestNewQuizRegistry_DependencyToolWithoutRunner(t *testing.T) {
	registry := NewQuizRegistry(QuizConfig{OutputDir: t.TempDir()})

	result := registry.Call(context.Background(), llm.ToolCall{ID: "c1", Name: DependencyToolName, Arguments: []byte(`{"packages":["numpy"]}`)})
	require.Contains(t, result, "error")
}

func TestNetworkToolsKeepOwnClientDefaults(t *testing.T) {
	require.Equal(t, 5*time.Minute, NewDownloadTool(t.TempDir(), nil, nil).client.Timeout)
	require.Equal(t, 2*time.Minute, NewSubmitTool(Credentials{}, nil, nil).client.Timeout)
	require.Equal(t, 10*time.Minute, NewDependencyTool("http://runner", "run-1", nil, nil).client.Timeout)
}
