// Package config loads the runtime configuration from an optional YAML file,
// MEMOREASE_ environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	AWS          AWSConfig          `mapstructure:"aws"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Context      ContextConfig      `mapstructure:"context"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Voice        VoiceConfig        `mapstructure:"voice"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
}

type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	StateTable string `mapstructure:"state_table"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type AWSConfig struct {
	Region      string `mapstructure:"region"`
	ParamPrefix string `mapstructure:"param_prefix"`
}

// OpenAIConfig configures the completion, transcription and speech client.
// APIKey bypasses Parameter Store when set.
type OpenAIConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	ChatModel          string        `mapstructure:"chat_model"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	SpeechModel        string        `mapstructure:"speech_model"`
	SpeechVoice        string        `mapstructure:"speech_voice"`
	CompletionTimeout  time.Duration `mapstructure:"completion_timeout"`
}

// RedisConfig enables the change feed when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ContextConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxBytes  int `mapstructure:"max_bytes"`
}

type ConversationConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	SerializeTurns bool          `mapstructure:"serialize_turns"`
}

type VoiceConfig struct {
	RecognitionTimeout time.Duration `mapstructure:"recognition_timeout"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:    BackendDynamoDB,
			SQLitePath: "memorease.db",
		},
		OpenAI: OpenAIConfig{
			BaseURL:            "https://api.openai.com/v1",
			ChatModel:          "gpt-4o-mini",
			TranscriptionModel: "whisper-1",
			SpeechModel:        "tts-1",
			SpeechVoice:        "alloy",
			CompletionTimeout:  20 * time.Second,
		},
		Redis: RedisConfig{
			Prefix: "memorease:conversation:",
		},
		Context: ContextConfig{
			MaxEvents: 50,
			MaxBytes:  16 * 1024,
		},
		Conversation: ConversationConfig{
			RetryAttempts:  3,
			RetryDelay:     200 * time.Millisecond,
			WriteTimeout:   5 * time.Second,
			StaleAfter:     30 * time.Second,
			PollInterval:   5 * time.Second,
			SerializeTurns: true,
		},
		Voice: VoiceConfig{
			RecognitionTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configPath when given, otherwise looks for memorease.yaml in the
// working directory. A missing default file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEMOREASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names the Lambda deployment already sets.
	_ = v.BindEnv("storage.state_table", "MEMOREASE_STORAGE_STATE_TABLE", "STATE_TABLE")
	_ = v.BindEnv("aws.param_prefix", "MEMOREASE_AWS_PARAM_PREFIX", "PARAM_PREFIX")
	_ = v.BindEnv("openai.api_key", "MEMOREASE_OPENAI_API_KEY", "OPENAI_API_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("memorease")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendDynamoDB:
		if strings.TrimSpace(c.Storage.StateTable) == "" {
			return errors.New("config: storage.state_table is required for the dynamodb backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return errors.New("config: storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q (must be dynamodb or sqlite)", c.Storage.Backend)
	}
	if strings.TrimSpace(c.OpenAI.APIKey) == "" && strings.TrimSpace(c.AWS.ParamPrefix) == "" {
		return errors.New("config: aws.param_prefix is required when openai.api_key is not set")
	}
	if c.Conversation.RetryAttempts < 2 {
		return fmt.Errorf("config: conversation.retry_attempts must be at least 2, got %d", c.Conversation.RetryAttempts)
	}
	if c.Context.MaxEvents <= 0 || c.Context.MaxBytes <= 0 {
		return errors.New("config: context.max_events and context.max_bytes must be positive")
	}
	return nil
}

// UsesParamStore reports whether secrets come from SSM Parameter Store.
func (c *Config) UsesParamStore() bool {
	return strings.TrimSpace(c.AWS.ParamPrefix) != ""
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.state_table", d.Storage.StateTable)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.param_prefix", d.AWS.ParamPrefix)
	v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("openai.chat_model", d.OpenAI.ChatModel)
	v.SetDefault("openai.transcription_model", d.OpenAI.TranscriptionModel)
	v.SetDefault("openai.speech_model", d.OpenAI.SpeechModel)
	v.SetDefault("openai.speech_voice", d.OpenAI.SpeechVoice)
	v.SetDefault("openai.completion_timeout", d.OpenAI.CompletionTimeout)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("context.max_events", d.Context.MaxEvents)
	v.SetDefault("context.max_bytes", d.Context.MaxBytes)
	v.SetDefault("conversation.retry_attempts", d.Conversation.RetryAttempts)
	v.SetDefault("conversation.retry_delay", d.Conversation.RetryDelay)
	v.SetDefault("conversation.write_timeout", d.Conversation.WriteTimeout)
	v.SetDefault("conversation.stale_after", d.Conversation.StaleAfter)
	v.SetDefault("conversation.poll_interval", d.Conversation.PollInterval)
	v.SetDefault("conversation.serialize_turns", d.Conversation.SerializeTurns)
	v.SetDefault("voice.recognition_timeout", d.Voice.RecognitionTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
	v.SetDefault("server.addr", d.Server.Addr)
}
