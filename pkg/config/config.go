// Package config loads the application configuration from a file with
// environment variable expansion in every string value.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Server      ServerConfig    `mapstructure:"server"`
	Twilio      TwilioConfig    `mapstructure:"twilio"`
	Deepgram    DeepgramConfig  `mapstructure:"deepgram"`
	Cartesia    CartesiaConfig  `mapstructure:"cartesia"`
	Groq        GroqConfig      `mapstructure:"groq"`
	Agent       AgentConfig     `mapstructure:"agent"`
	Knowledge   KnowledgeConfig `mapstructure:"knowledge"`
	Campaign    CampaignConfig  `mapstructure:"campaign"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
	Observability ObservabilityConfig       `mapstructure:"observability"`
	Languages     map[string]LanguageConfig `mapstructure:"languages"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// PublicURL is the externally reachable base URL Twilio calls back
	// into, e.g. an ngrok or load balancer hostname.
	PublicURL string `mapstructure:"public_url"`
}

type TwilioConfig struct {
	AccountSID         string `mapstructure:"account_sid"`
	AuthToken          string `mapstructure:"auth_token"`
	FromNumber         string `mapstructure:"from_number"`
	ValidateSignatures bool   `mapstructure:"validate_signatures"`
	// Settings holds advanced transport overrides (voice_path, ws_path,
	// status_callback_path, voice_greeting, allowed_origins) decoded
	// onto the transport config.
	Settings map[string]any `mapstructure:"settings"`
}

type DeepgramConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	EndpointingMS  int    `mapstructure:"endpointing_ms"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type CartesiaConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type GroqConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type AgentConfig struct {
	BasePrompt         string `mapstructure:"base_prompt"`
	HistoryWindow      int    `mapstructure:"history_window"`
	Temperature        float64 `mapstructure:"temperature"`
	MaxTokens          int    `mapstructure:"max_tokens"`
	SynthIdleTimeoutMS int    `mapstructure:"synth_idle_timeout_ms"`
}

type KnowledgeConfig struct {
	Dir  string `mapstructure:"dir"`
	TopK int    `mapstructure:"top_k"`
}

type CampaignConfig struct {
	BatchSize        int `mapstructure:"batch_size"`
	BatchPauseMS     int `mapstructure:"batch_pause_ms"`
	SchedulerPollSec int `mapstructure:"scheduler_poll_sec"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	TimelineDir   string `mapstructure:"timeline_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// LanguageConfig overrides the recognizer language code and the
// synthesizer voice for one language key.
type LanguageConfig struct {
	STTLanguage string `mapstructure:"stt_language"`
	VoiceID     string `mapstructure:"voice_id"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("twilio.validate_signatures", true)
	v.SetDefault("deepgram.model", "nova-2")
	v.SetDefault("deepgram.endpointing_ms", 300)
	v.SetDefault("deepgram.utterance_end_ms", 1000)
	v.SetDefault("cartesia.model", "sonic-multilingual")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("agent.history_window", 4)
	v.SetDefault("agent.temperature", 0.7)
	v.SetDefault("agent.max_tokens", 60)
	v.SetDefault("agent.synth_idle_timeout_ms", 2000)
	v.SetDefault("knowledge.dir", "knowledge")
	v.SetDefault("knowledge.top_k", 2)
	v.SetDefault("campaign.batch_size", 10)
	v.SetDefault("campaign.batch_pause_ms", 2000)
	v.SetDefault("campaign.scheduler_poll_sec", 60)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.retention_days", 0)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.PublicURL) == "" {
		return fmt.Errorf("server.public_url is required")
	}
	if strings.TrimSpace(c.Deepgram.APIKey) == "" {
		return fmt.Errorf("deepgram.api_key is required")
	}
	if strings.TrimSpace(c.Cartesia.APIKey) == "" {
		return fmt.Errorf("cartesia.api_key is required")
	}
	if strings.TrimSpace(c.Groq.APIKey) == "" {
		return fmt.Errorf("groq.api_key is required")
	}
	return nil
}

// BatchPause converts the configured pacing delay to a duration.
func (c CampaignConfig) BatchPause() time.Duration {
	return time.Duration(c.BatchPauseMS) * time.Millisecond
}

// SchedulerPoll converts the scheduler interval to a duration.
func (c CampaignConfig) SchedulerPoll() time.Duration {
	return time.Duration(c.SchedulerPollSec) * time.Second
}

// SynthIdleTimeout converts the synthesis idle timeout to a duration.
func (c AgentConfig) SynthIdleTimeout() time.Duration {
	return time.Duration(c.SynthIdleTimeoutMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return
		}
		for _, key := range v.MapKeys() {
			val := v.MapIndex(key)
			switch val.Kind() {
			case reflect.String:
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			case reflect.Struct:
				cp := reflect.New(val.Type()).Elem()
				cp.Set(val)
				expandValue(cp)
				v.SetMapIndex(key, cp)
			}
		}
	}
}
