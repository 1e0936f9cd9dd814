package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dev", c.Environment)
	assert.NotEmpty(t, c.Hostname)
	assert.Equal(t, 60*time.Second, c.Lease.Period)
	assert.Equal(t, 1.1, c.Lease.ExpiryRatio)
	assert.Equal(t, c.Lease.Period, c.Lease.AssertInterval, "assert interval defaults to period")
	assert.Equal(t, 5*time.Minute, c.Agent.CacheTTL)
	assert.Equal(t, time.Second, c.Agent.BusyInterval)
	assert.Equal(t, 60*time.Second, c.Agent.IdleInterval)
	assert.Equal(t, 5*time.Second, c.Agent.StartGrace)
	assert.Equal(t, 30*time.Second, c.Agent.RestartDelay)
	assert.Equal(t, 30*time.Second, c.Supervisor.CrashGrace)
	assert.Equal(t, 15*time.Second, c.Supervisor.BuildPoll)
	assert.Equal(t, "memory://", c.Coordinator.Store)
	assert.Equal(t, 10*time.Minute, c.Coordinator.ActionTTL)
	assert.Equal(t, 5*time.Second, c.Client.RetryInterval)
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "fleetd.toml", `
environment = "prod"
hostname = "web01"

[log]
level = "debug"
format = "json"

[coordinator]
listen = ":9000"
store = "sqlite:///var/lib/fleetd/fleet.db"
history = ["clickhouse://default@ch:9000/fleet"]
action_ttl = "2m"

[coordinator.auth]
enabled = true
  [[coordinator.auth.users]]
  username = "ops"
  password_hash = "$2a$10$abc"

[lease]
period = "10s"
assert_interval = "4s"

[supervisor]
name = "indexer"
command = ["/opt/indexer/bin/run", "--fast"]
restart_mode = "relaunch"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "prod", c.Environment)
	assert.Equal(t, "web01", c.Hostname)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, ":9000", c.Coordinator.Listen)
	assert.Equal(t, []string{"clickhouse://default@ch:9000/fleet"}, c.Coordinator.History)
	assert.Equal(t, 2*time.Minute, c.Coordinator.ActionTTL)
	require.Len(t, c.Coordinator.Auth.Users, 1)
	assert.Equal(t, "ops", c.Coordinator.Auth.Users[0].Username)
	assert.Equal(t, 10*time.Second, c.Lease.Period)
	assert.Equal(t, 4*time.Second, c.Lease.AssertInterval)
	assert.Equal(t, []string{"/opt/indexer/bin/run", "--fast"}, c.Supervisor.Command)
	assert.Equal(t, "relaunch", c.Supervisor.RestartMode)
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "fleetd.yaml", "agent:\n  idle_interval: 2s\n  lock_file: /run/agent.lock\n")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.Agent.IdleInterval)
	assert.Equal(t, "/run/agent.lock", c.Agent.LockFile)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLEETD_AGENT_IDLE_INTERVAL", "3s")
	t.Setenv("FLEETD_ENVIRONMENT", "qa")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.Agent.IdleInterval)
	assert.Equal(t, "qa", c.Environment)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	bad := c
	bad.Lease.ExpiryRatio = 0.5
	assert.ErrorContains(t, bad.Validate(), "expiry_ratio")

	bad = c
	bad.Supervisor.Mode = "thread"
	assert.ErrorContains(t, bad.Validate(), "supervisor.mode")

	bad = c
	bad.Supervisor.RestartMode = "command"
	assert.ErrorContains(t, bad.Validate(), "restart_command")

	bad = c
	bad.Coordinator.Auth.Enabled = true
	assert.ErrorContains(t, bad.Validate(), "without users")

	bad = c
	bad.Agent.StopPoll = 0
	assert.ErrorContains(t, bad.Validate(), "agent.stop_poll")
}
