package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "telegram": {"token": "123:abc", "admin_user_ids": [1, 2], "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "quiz": {"api_url": "http://localhost:5000", "timezone": "Asia/Singapore"},
  "leaderboard": {"enabled": true, "time": "21:00"},
  "storage": {"driver": "file", "path": "./data/state.json"}
}`

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func newManager(path string, env LookupFunc) *ConfigManager {
	m := NewConfigManager(path)
	m.SetLookup(env)
	return m
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := newManager(writeFile(t, "config.json", validJSON), noEnv)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.AdminUserIDs)
	assert.Equal(t, "Asia/Singapore", cfg.Quiz.Timezone)
	assert.Equal(t, "21:00", cfg.Leaderboard.Time)
	assert.Same(t, cfg, m.Get())
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	yml := `
telegram:
  token: "123:abc"
  admin_user_ids: [7]
quiz:
  api_url: https://quiz.example.com
leaderboard:
  enabled: true
  time: "0 21 * * 1-5"
  scope: admins
storage:
  driver: badger
  path: ./data/badger
`
	cfg, err := newManager(writeFile(t, "config.yaml", yml), noEnv).Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, cfg.Telegram.AdminUserIDs)
	assert.Equal(t, "admins", cfg.Leaderboard.Scope)
	assert.Equal(t, "badger", cfg.Storage.Driver)
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	_, err := newManager(writeFile(t, "a.json", `{"telegram": {"token": "x", "owner": 1}}`), noEnv).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = newManager(writeFile(t, "b.json", `{} {}`), noEnv).Parse()
	assert.ErrorContains(t, err, "trailing data")

	_, err = newManager(writeFile(t, "c.yml", "quiz:\n  bogus: 1\n"), noEnv).Parse()
	assert.ErrorContains(t, err, "unknown field")
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	env := envMap(map[string]string{
		EnvToken:        "999:env",
		EnvAdmins:       `[10, "20"]`,
		EnvFlaskAPIURL:  "http://flask:5000",
		EnvTimezone:     "Europe/Berlin",
		EnvRulesPageURL: "https://rules.example.com/page",
		EnvDatabasePath: "/var/lib/discquiz/quiz.db",
	})
	cfg, err := newManager("", env).Load()
	require.NoError(t, err)

	assert.Equal(t, "999:env", cfg.Telegram.Token)
	assert.Equal(t, []int64{10, 20}, cfg.Telegram.AdminUserIDs)
	assert.Equal(t, "http://flask:5000", cfg.Quiz.APIURL)
	assert.Equal(t, "Europe/Berlin", cfg.Quiz.Timezone)
	assert.Equal(t, "https://rules.example.com/page", cfg.Quiz.RulesPageURL)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/discquiz/quiz.db", cfg.Storage.Path)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	env := envMap(map[string]string{EnvQuizAPIURL: "http://quiz:8080", EnvFlaskAPIURL: "http://flask:5000", EnvDatabasePath: "/tmp/x.json"})
	cfg, err := newManager(writeFile(t, "config.json", validJSON), env).Load()
	require.NoError(t, err)
	assert.Equal(t, "http://quiz:8080", cfg.Quiz.APIURL)
	// an explicit driver is kept
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/x.json", cfg.Storage.Path)
}

func TestEnvAdminListInvalid(t *testing.T) {
	t.Parallel()
	_, err := newManager("", envMap(map[string]string{EnvToken: "t", EnvAdmins: "1,2"})).Parse()
	assert.ErrorContains(t, err, EnvAdmins)

	_, err = newManager("", envMap(map[string]string{EnvToken: "t", EnvAdmins: `[1.5]`})).Parse()
	assert.ErrorContains(t, err, "invalid user ID")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Telegram:    TelegramConfig{Token: "t"},
			Leaderboard: LeaderboardConfig{Enabled: true, Time: "21:00"},
			Storage:     StorageConfig{Driver: "file"},
		}
	}
	require.NoError(t, Validate(base()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "logs" }, "telegram.group_log"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad timezone", func(c *Config) { c.Quiz.Timezone = "Mars/Olympus" }, "quiz.timezone"},
		{"bad api url", func(c *Config) { c.Quiz.APIURL = "localhost:5000" }, "quiz.api_url"},
		{"negative delivery timeout", func(c *Config) { c.Quiz.DeliveryTimeout = "-1s" }, "quiz.delivery_timeout"},
		{"bad leaderboard time", func(c *Config) { c.Leaderboard.Time = "25:99" }, "leaderboard.time"},
		{"missing leaderboard time", func(c *Config) { c.Leaderboard.Time = "" }, "leaderboard.time"},
		{"interval leaderboard time", func(c *Config) { c.Leaderboard.Time = "@every 1h" }, "leaderboard.time"},
		{"bad scope", func(c *Config) { c.Leaderboard.Scope = "world" }, "leaderboard.scope"},
		{"list scope without ids", func(c *Config) { c.Leaderboard.Scope = "list" }, "leaderboard.chat_ids"},
		{"negative workers", func(c *Config) { c.TaskEngine = &TaskEngineConfig{Workers: -1} }, "task_engine.workers"},
		{"bad queue delay", func(c *Config) { c.TaskEngine = &TaskEngineConfig{MaxQueueDelay: "x"} }, "task_engine.max_queue_delay"},
		{"bad notifier window", func(c *Config) { c.Notifier = &NotifierConfig{DedupWindow: "1 hour"} }, "notifier.dedup_window"},
		{"negative notifier queue", func(c *Config) { c.Notifier = &NotifierConfig{QueueSize: -5} }, "notifier.queue_size"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad busy timeout", func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "fast"} }, "storage.busy_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{Quiz: QuizConfig{Timezone: "Nowhere/Land"}, Storage: StorageConfig{Driver: "mongo"}})
	require.Error(t, err)
	for _, want := range []string{"telegram.token", "quiz.timezone", "storage.driver"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	_, err := newManager(writeFile(t, "config.json", `{"quiz": {"timezone": "Nowhere/Land"}}`), noEnv).Load()
	assert.ErrorContains(t, err, "invalid config")
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("x", " 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", AdminUserIDs: []int64{1}}, Storage: StorageConfig{Driver: "file"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b", AdminUserIDs: []int64{1, 2}}, Storage: StorageConfig{Driver: "sqlite", Path: "x.db"},
		Leaderboard: LeaderboardConfig{Enabled: true, Time: "21:00"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"telegram.token", "telegram", "leaderboard", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"telegram.token", "storage"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestSubscribeDropsOldest(t *testing.T) {
	t.Parallel()
	m := newManager("", noEnv)
	ch := m.Subscribe(1)

	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)

	assert.Same(t, second, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := newManager(path, noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// invalid content is rejected and not published
	require.Eventually(t, func() bool {
		return os.WriteFile(path, []byte(strings.Replace(validJSON, "Asia/Singapore", "Nowhere/Land", 1)), 0o600) == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(3 * reloadDebounce)
	select {
	case <-ch:
		t.Fatal("invalid config published")
	default:
	}

	updated := strings.Replace(validJSON, "21:00", "22:15", 1)
	var got *Config
	require.Eventually(t, func() bool {
		if got == nil {
			_ = os.WriteFile(path, []byte(updated), 0o600)
		}
		select {
		case got = <-ch:
			return true
		case <-time.After(3 * reloadDebounce):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "22:15", got.Leaderboard.Time)
	assert.Equal(t, "22:15", m.Get().Leaderboard.Time)
}

func TestLoadDotEnvIgnoresMissing(t *testing.T) {
	t.Parallel()
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
