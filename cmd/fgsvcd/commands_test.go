package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("logging:\n  level: info\nhost:\n  command: [sleep, \"60\"]\n"), 0o600))

	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok:")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("host:\n  driver: launchd\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	assert.ErrorContains(t, err, "host.driver")
}

func TestVendorCommandOverride(t *testing.T) {
	out, err := execute(t, "vendor", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--as", "Xiaomi")
	require.NoError(t, err)
	assert.Contains(t, out, "vendor: xiaomi")
	assert.Contains(t, out, "com.miui.powerkeeper")
}
