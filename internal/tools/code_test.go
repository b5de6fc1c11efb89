package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "python fence", in: "```python\nprint(1)\n```", want: "print(1)"},
		{name: "bare fence", in: "  ```\nx = 1\ny = 2\n```  ", want: "x = 1\ny = 2"},
		{name: "no fence", in: "\nprint('hi')\n", want: "print('hi')"},
		{name: "opening only", in: "```py\nprint(2)", want: "print(2)"},
		{name: "single line fence", in: "```", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, StripCodeFences(tc.in))
		})
	}
}

func TestCodeToolRunsFencedPython(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir := filepath.Join(t.TempDir(), "LLMFiles")
	tool := NewCodeTool(CodeConfig{OutputDir: dir, Runner: []string{python}})

	out := tool.Call(context.Background(), json.RawMessage(`{"code":"`+"```python\\nprint(1)\\n```"+`"}`))
	result, ok := out.(CodeResult)
	require.True(t, ok)
	require.Equal(t, 0, result.ReturnCode, result.Stderr)
	require.Contains(t, result.Stdout, "1")

	script, err := os.ReadFile(filepath.Join(dir, "runner.py"))
	require.NoError(t, err)
	require.Equal(t, "print(1)", string(script))
}

func TestCodeToolRunsInOutputDir(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("42"), 0o644))
	tool := NewCodeTool(CodeConfig{OutputDir: dir, Runner: []string{sh}, Filename: "runner.sh"})

	result := tool.Run(context.Background(), "cat data.txt\necho oops >&2\nexit 3")
	require.Equal(t, 3, result.ReturnCode)
	require.Equal(t, "42", strings.TrimSpace(result.Stdout))
	require.Equal(t, "oops", strings.TrimSpace(result.Stderr))
}

func TestCodeToolLaunchFailure(t *testing.T) {
	tool := NewCodeTool(CodeConfig{OutputDir: t.TempDir(), Runner: []string{"definitely-not-a-launcher-xyz"}})
	result := tool.Run(context.Background(), "print(1)")
	require.Equal(t, -1, result.ReturnCode)
	require.Empty(t, result.Stdout)
	require.NotEmpty(t, result.Stderr)
}

func TestNewCodeToolDefaults(t *testing.T) {
	tool := NewCodeTool(CodeConfig{OutputDir: "LLMFiles"})
	require.Equal(t, []string{"uv", "run"}, tool.runner)
	require.Equal(t, "runner.py", tool.filename)
}
