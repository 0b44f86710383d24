package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/assistant"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/server"
)

// writeConfig writes a memory-store config rooted in a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  driver: memory
  wal_path: ` + filepath.Join(dir, "tasks.wal") + `
  snapshot_path: ` + filepath.Join(dir, "tasks.snapshot.json") + `
metrics:
  enabled: false
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "assistant", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "ask", "voice", "classify", "enqueue", "status", "templates"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	assert.Equal(t, "enqueue", cmd.Use)
	for _, name := range []string{"action", "payload", "in", "every", "max-retries", "server"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.NotNil(t, cmd.RunE)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
orchestrator:
  max_steps: 4
  budget: 2s
scheduler:
  workers: 8
  poll_interval: 250ms
storage:
  driver: sqlite
  dsn: /tmp/tasks.db
metrics:
  enabled: true
  port: 8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Orchestrator.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.Budget)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 8080, cfg.Metrics.Port)

	assert.Equal(t, 5, cfg.Scheduler.MaxRetries, "unset fields keep their defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("scheduler:\n  workers: [\n"), 0644))
	_, err = loadConfig(broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("storage:\n  driver: cassandra\n"), 0644))
	_, err = loadConfig(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "task", "t1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "t1", rec["task"])

	buf.Reset()
	newLogger(&buf, config.LoggingConfig{Level: "bogus"}).Info("text format")
	assert.Contains(t, buf.String(), "msg=\"text format\"")
}

func TestClassifyLocal(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "-c", cfgPath, "classify", "найди", "вакансии", "python", "в", "москве")
	require.NoError(t, err)

	var in map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &in))
	assert.Equal(t, "hh_search", in["type"])
}

func TestAskLocalClarifies(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "-c", cfgPath, "ask", "бла", "бла")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["clarification"])
	assert.Equal(t, "completed", res["status"])
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "-c", cfgPath, "enqueue", "--action", "notify.send", "--payload", `{"text":"stand up"}`, "--in", "1h")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = execute(t, "-c", cfgPath, "status", id)
	require.NoError(t, err)
	var task map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, "pending", task["status"])
	assert.Equal(t, "notify.send", task["action"])

	out, err = execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Assistant status")
	assert.Contains(t, out, "pending")

	_, err = execute(t, "-c", cfgPath, "enqueue", "--action", "notify.send", "--payload", "{not json")
	assert.ErrorContains(t, err, "failed to parse payload")

	_, err = execute(t, "-c", cfgPath, "enqueue", "--action", "launch.rocket")
	assert.Error(t, err)
}

func TestTemplatesCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "-c", cfgPath, "templates")
	require.NoError(t, err)
	assert.Contains(t, out, "hh_search")
	assert.Contains(t, out, "notify.send")
}

func TestAskRemote(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	a, err := assistant.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := server.NewGRPCServer(a)
	go gs.Serve(lis)
	defer gs.Stop()

	out, err := execute(t, "ask", "--server", lis.Addr().String(), "--session", "remote", "бла", "бла")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["clarification"])

	_, err = execute(t, "status", "--server", lis.Addr().String(), "missing-task")
	assert.ErrorContains(t, err, "NotFound")
}
