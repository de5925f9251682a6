package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

// execute runs the root command in an empty directory so the defaults apply.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeSource(t *testing.T, name, code string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(code), 0o600))
	return path
}

func TestAppGraph(t *testing.T) {
	require.NoError(t, fx.ValidateApp(appOptions(""), fx.Invoke(startTransport)))
}

func TestVersionCmd(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "codeguard dev")
}

func TestCheckCmd(t *testing.T) {
	t.Run("Passes", func(t *testing.T) {
		path := writeSource(t, "safe.py", "total = sum(range(10))\nprint(total)\n")
		out, _, err := execute(t, "check", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Security validation passed")
	})

	t.Run("Blocked", func(t *testing.T) {
		path := writeSource(t, "unsafe.js", `eval("1 + 1")`)
		out, _, err := execute(t, "check", path)
		require.ErrorIs(t, err, errCheckFailed)
		assert.Contains(t, out, "Security validation failed")
		assert.Contains(t, out, "(js-eval)")
	})

	t.Run("ExplicitLanguage", func(t *testing.T) {
		path := writeSource(t, "snippet.txt", `eval("1 + 1")`)
		_, _, err := execute(t, "check", "--lang", "javascript", path)
		require.ErrorIs(t, err, errCheckFailed)
	})

	t.Run("StrictBlocksInfiniteLoop", func(t *testing.T) {
		path := writeSource(t, "loop.js", "while (true) {}\n")
		_, _, err := execute(t, "check", path)
		require.NoError(t, err)

		_, _, err = execute(t, "check", "--strict", path)
		require.ErrorIs(t, err, errCheckFailed)
	})

	t.Run("Quick", func(t *testing.T) {
		path := writeSource(t, "shell.py", "import os\nos.system('ls')\n")
		out, _, err := execute(t, "check", "--quick", path)
		require.ErrorIs(t, err, errCheckFailed)
		assert.Contains(t, out, "Quick check failed")
	})

	t.Run("JSON", func(t *testing.T) {
		path := writeSource(t, "safe.ts", "const n: number = 1;\nconsole.log(n);\n")
		out, _, err := execute(t, "check", "--json", path)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		assert.Equal(t, true, decoded["isValid"])
		assert.Equal(t, "ts", decoded["language"])
	})

	t.Run("UnknownExtension", func(t *testing.T) {
		path := writeSource(t, "main.go", "package main")
		_, _, err := execute(t, "check", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot infer language")
	})

	t.Run("MissingFile", func(t *testing.T) {
		t.Chdir(t.TempDir())
		_, _, err := execute(t, "check", "missing.py")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read missing.py")
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		path := writeSource(t, "safe.py", "print(1)\n")
		_, _, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "absent.yaml"), path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})
}

func TestRunCmd(t *testing.T) {
	t.Run("JavaScript", func(t *testing.T) {
		path := writeSource(t, "hello.js", `console.log("hello from js")`)
		out, _, err := execute(t, "run", path)
		require.NoError(t, err)
		assert.Equal(t, "hello from js\n", out)
	})

	t.Run("Inputs", func(t *testing.T) {
		path := writeSource(t, "inputs.ts", "const n: number = 2;\nconsole.log(n * 21);\n")
		out, _, err := execute(t, "run", "--input", "ignored", path)
		require.NoError(t, err)
		assert.Equal(t, "42\n", out)
	})

	t.Run("Timeout", func(t *testing.T) {
		path := writeSource(t, "loop.js", "while (true) {}\n")
		_, stderr, err := execute(t, "run", "--timeout-ms", "100", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "execution_timeout")
		assert.Contains(t, stderr, "execution timed out")
	})

	t.Run("Blocked", func(t *testing.T) {
		path := writeSource(t, "unsafe.js", `eval("1 + 1")`)
		_, stderr, err := execute(t, "run", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "security_violation")
		assert.Contains(t, stderr, "js-eval")
	})

	t.Run("LimitAboveCeiling", func(t *testing.T) {
		path := writeSource(t, "hello.js", `console.log("hi")`)
		_, _, err := execute(t, "run", "--memory-mb", "4096", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resource_limit_exceeded")
	})

	t.Run("JSON", func(t *testing.T) {
		path := writeSource(t, "hello.js", `console.log("hi")`)
		out, _, err := execute(t, "run", "--json", path)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		assert.Equal(t, true, decoded["success"])
		assert.Equal(t, "hi\n", decoded["output"])
		assert.Equal(t, "goja", decoded["backend"])
	})
}
