package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptoc-relay/internal/auth"
	"ptoc-relay/internal/config"
	protection "ptoc-relay/internal/protection/domain"
)

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, sub := range root.Commands() {
		if sub.Name() == name {
			return sub
		}
	}
	return nil
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"RELAY_CONFIG", "DATABASE_URL", "KAFKA_BROKERS", "MQTT_BROKER", "AUTH_JWT_SECRET", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "error")
}

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"serve", "simulate", "config", "report", "token"} {
		assert.NotNil(t, findCommand(root, name), "missing command %s", name)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))

	configCmd := findCommand(root, "config")
	require.NotNil(t, configCmd)
	assert.NotNil(t, findCommand(configCmd, "init"))
	assert.NotNil(t, findCommand(configCmd, "show"))

	simulate := findCommand(root, "simulate")
	for _, flag := range []string{"load", "fault-current", "pre", "fault", "post", "waveform", "json"} {
		assert.NotNil(t, simulate.Flags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100.0, cfg.PTOC.ISet)

	_, err = execute(t, "config", "init", path)
	require.Error(t, err)
	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AUTH_JWT_SECRET", "very-secret")
	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, "***")
}

func TestSimulateTripsAndClears(t *testing.T) {
	isolateEnv(t)
	out, err := execute(t, "simulate", "--json", "--pre", "40ms", "--fault", "200ms", "--post", "40ms")
	require.NoError(t, err)

	var result SimulationResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	var types []protection.EventType
	for _, event := range result.Events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []protection.EventType{
		protection.EventPickup,
		protection.EventTrip,
		protection.EventClear,
	}, types)
	assert.Equal(t, protection.PhaseNormal, result.Status.Phase)
	assert.Equal(t, uint64(14), result.Status.Cycles)
	assert.Equal(t, uint32(2), result.StNum)
	assert.Equal(t, 100*time.Millisecond, result.Events[1].At.Sub(result.Events[0].At))
}

func TestSimulateBelowPickupStaysQuiet(t *testing.T) {
	isolateEnv(t)
	out, err := execute(t, "simulate", "--no-color", "--fault-current", "90")
	require.NoError(t, err)
	assert.Contains(t, out, "final phase: normal")
	assert.False(t, strings.Contains(out, "trip "))
}

func TestTokenCommand(t *testing.T) {
	isolateEnv(t)
	_, err := execute(t, "token")
	require.Error(t, err)

	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	out, err := execute(t, "token", "--role", "Operator", "--subject", "alice")
	require.NoError(t, err)
	claims, err := auth.ParseJWT(strings.TrimSpace(out), []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, "alice", claims.Subject)

	_, err = execute(t, "token", "--role", "root")
	require.Error(t, err)
}

func TestReportRequiresDatabase(t *testing.T) {
	isolateEnv(t)
	_, err := execute(t, "report", "--format", "csv")
	require.Error(t, err)
	_, err = execute(t, "report")
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestServeRequiresSecret(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: 127.0.0.1:0\n"), 0o600))
	_, err := execute(t, "--config", path, "serve")
	require.ErrorContains(t, err, "AUTH_JWT_SECRET")
}
