package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, BackendDynamoDB, cfg.Storage.Backend)
	assert.Equal(t, 50, cfg.Context.MaxEvents)
	assert.Equal(t, 16*1024, cfg.Context.MaxBytes)
	assert.Equal(t, 20*time.Second, cfg.OpenAI.CompletionTimeout)
	assert.Equal(t, 3, cfg.Conversation.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Conversation.RetryDelay)
	assert.True(t, cfg.Conversation.SerializeTurns)
	assert.Equal(t, 15*time.Second, cfg.Voice.RecognitionTimeout)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	d := DefaultConfig()
	require.Equal(t, d.Conversation, cfg.Conversation)
	require.Equal(t, d.Context, cfg.Context)
	require.Equal(t, d.Voice, cfg.Voice)
	require.Equal(t, d.OpenAI.ChatModel, cfg.OpenAI.ChatModel)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memorease.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: SQLite
  sqlite_path: /tmp/conv.db
context:
  max_events: 10
conversation:
  retry_delay: 1s
  serialize_turns: false
`), 0o600))

	t.Setenv("MEMOREASE_CONTEXT_MAX_BYTES", "2048")
	t.Setenv("MEMOREASE_REDIS_ADDR", "localhost:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/conv.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 10, cfg.Context.MaxEvents)
	assert.Equal(t, 2048, cfg.Context.MaxBytes)
	assert.Equal(t, time.Second, cfg.Conversation.RetryDelay)
	assert.False(t, cfg.Conversation.SerializeTurns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	require.NoError(t, cfg.Validate())
}

func TestLoad_LambdaEnvironmentNames(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STATE_TABLE", "memorease-state")
	t.Setenv("PARAM_PREFIX", "/memorease")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memorease-state", cfg.Storage.StateTable)
	assert.Equal(t, "/memorease", cfg.AWS.ParamPrefix)
	assert.True(t, cfg.UsesParamStore())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Storage.StateTable = "state"
		cfg.AWS.ParamPrefix = "/memorease"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing table", mutate: func(c *Config) { c.Storage.StateTable = "" }, errMsg: "state_table"},
		{name: "missing sqlite path", mutate: func(c *Config) {
			c.Storage.Backend = BackendSQLite
			c.Storage.SQLitePath = ""
		}, errMsg: "sqlite_path"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "mongo" }, errMsg: "unknown storage backend"},
		{name: "no secret source", mutate: func(c *Config) { c.AWS.ParamPrefix = "" }, errMsg: "param_prefix"},
		{name: "api key replaces prefix", mutate: func(c *Config) {
			c.AWS.ParamPrefix = ""
			c.OpenAI.APIKey = "sk"
		}},
		{name: "single attempt", mutate: func(c *Config) { c.Conversation.RetryAttempts = 1 }, errMsg: "retry_attempts"},
		{name: "zero context", mutate: func(c *Config) { c.Context.MaxBytes = 0 }, errMsg: "context"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
