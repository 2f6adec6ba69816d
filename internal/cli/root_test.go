package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"version"}, {"readstate", "list"}, {"readstate", "add"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version, strings.TrimSpace(out))
}

func TestReadStateAddAndList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "feedd.yaml")
	body := "storage:\n  driver: file\n  path: " + filepath.Join(dir, "kv") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	out, err := execute(t, "--config", cfgPath, "readstate", "add", "b", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "2 ids read")

	// Adding again is idempotent.
	_, err = execute(t, "-c", cfgPath, "readstate", "add", "a")
	require.NoError(t, err)

	out, err = execute(t, "-c", cfgPath, "readstate", "list")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)

	out, err = execute(t, "-c", cfgPath, "readstate", "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, out)
}

func TestReadStateAddNeedsIDs(t *testing.T) {
	_, err := execute(t, "readstate", "add")
	require.Error(t, err)
}

func TestServeFailsOnMissingConfig(t *testing.T) {
	_, err := execute(t, "-c", filepath.Join(t.TempDir(), "nope.json"), "serve")
	require.Error(t, err)
}
