// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/jeranaias/comhra/internal/model"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete comhra configuration.
type Config struct {
	// General settings
	General GeneralConfig `toml:"general" json:"general"`

	// Local (Ollama) configuration
	Local LocalConfig `toml:"local" json:"local"`

	// Hosted (OpenAI-compatible) configuration
	Hosted HostedConfig `toml:"hosted" json:"hosted"`

	// Session orchestrator tuning
	Session SessionConfig `toml:"session" json:"session"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// GeneralConfig holds settings shared by every command.
type GeneralConfig struct {
	// DataDir holds conversations, model lists, RAG scripts and the library
	// database. Empty means the config directory.
	DataDir string `toml:"data_dir" json:"data_dir"`
	// DefaultModel is the model a new chat starts on
	DefaultModel string `toml:"default_model" json:"default_model"`
	// DefaultBackend is "local" or "hosted"
	DefaultBackend string `toml:"default_backend" json:"default_backend"`
}

// LocalConfig contains local Ollama configuration.
type LocalConfig struct {
	// OllamaURL is the URL of the Ollama server
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	// Timeout bounds non-streaming requests, in seconds
	Timeout int `toml:"timeout" json:"timeout"`
}

// HostedConfig contains hosted chat API configuration.
type HostedConfig struct {
	// OpenAIAPIKey is the API key sent as a bearer token
	OpenAIAPIKey string `toml:"openai_api_key" json:"openai_api_key"`
	// BaseURL selects an OpenAI-compatible endpoint. Empty means api.openai.com.
	BaseURL string `toml:"base_url" json:"base_url"`
	// DefaultModel is the hosted model used when default_backend is "hosted"
	DefaultModel string `toml:"default_model" json:"default_model"`
	// Timeout bounds establishing a stream, in seconds
	Timeout int `toml:"timeout" json:"timeout"`
}

// SessionConfig tunes the session orchestrator.
type SessionConfig struct {
	IdlePollMs      int `toml:"idle_poll_ms" json:"idle_poll_ms"`
	StreamingPollMs int `toml:"streaming_poll_ms" json:"streaming_poll_ms"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// Format is "console" or "json"
	Format string `toml:"format" json:"format"`
	// File, when set, receives log output instead of stderr
	File string `toml:"file" json:"file"`
}

// Backend names accepted by general.default_backend.
const (
	BackendLocal  = "local"
	BackendHosted = "hosted"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:        "",
			DefaultModel:   "phi3:latest",
			DefaultBackend: BackendLocal,
		},
		Local: LocalConfig{
			OllamaURL: "http://127.0.0.1:11434",
			Timeout:   30,
		},
		Hosted: HostedConfig{
			DefaultModel: "gpt-4o-mini",
			Timeout:      60,
		},
		Session: SessionConfig{
			IdlePollMs:      50,
			StreamingPollMs: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the comhra configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return filepath.Join(home, ".comhra"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions tightens a config file to 0600; it holds the API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return errors.Wrapf(err, "failed to fix insecure permissions (was %o)", mode)
		}
	}
	return nil
}

// =============================================================================
// DERIVED PATHS
// =============================================================================

// DataPath returns the resolved data directory.
func (c *Config) DataPath() string {
	if c.General.DataDir != "" {
		return expandHome(c.General.DataDir)
	}
	dir, err := ConfigDir()
	if err != nil {
		return ".comhra"
	}
	return dir
}

// ConversationsDir is where conversation envelopes live.
func (c *Config) ConversationsDir() string {
	return filepath.Join(c.DataPath(), "conversations")
}

// ModelsDir holds the hosted model list files.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.DataPath(), "models")
}

// RagSourcesDir holds the RAG scripts.
func (c *Config) RagSourcesDir() string {
	return filepath.Join(c.DataPath(), "rag_sources")
}

// CuratedListPath is the curated local model list.
func (c *Config) CuratedListPath() string {
	return filepath.Join(c.DataPath(), "ollama_model_list.json")
}

// LibraryPath is the sidebar index database.
func (c *Config) LibraryPath() string {
	return filepath.Join(c.DataPath(), "library.db")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// =============================================================================
// TYPED ACCESSORS
// =============================================================================

// LocalTimeout returns local.timeout as a duration.
func (c *Config) LocalTimeout() time.Duration {
	return time.Duration(c.Local.Timeout) * time.Second
}

// HostedTimeout returns hosted.timeout as a duration.
func (c *Config) HostedTimeout() time.Duration {
	return time.Duration(c.Hosted.Timeout) * time.Second
}

// IdlePoll returns session.idle_poll_ms as a duration.
func (c *Config) IdlePoll() time.Duration {
	return time.Duration(c.Session.IdlePollMs) * time.Millisecond
}

// StreamingPoll returns session.streaming_poll_ms as a duration.
func (c *Config) StreamingPoll() time.Duration {
	return time.Duration(c.Session.StreamingPollMs) * time.Millisecond
}

// HostedVariant is Generic when a base URL is configured.
func (c *Config) HostedVariant() model.APIVariant {
	if c.Hosted.BaseURL != "" {
		return model.VariantGeneric
	}
	return model.VariantOpenAI
}

// HostedTemplate returns a descriptor carrying the hosted credentials, with
// no model name.
func (c *Config) HostedTemplate() model.ModelDescriptor {
	d := model.HostedModel("", c.Hosted.OpenAIAPIKey, c.HostedVariant())
	d.BaseURL = c.Hosted.BaseURL
	return d
}

// DefaultDescriptor returns the model a new chat starts on.
func (c *Config) DefaultDescriptor() model.ModelDescriptor {
	if strings.EqualFold(c.General.DefaultBackend, BackendHosted) {
		d := c.HostedTemplate()
		d.Name = c.Hosted.DefaultModel
		return d
	}
	return model.LocalModel(c.General.DefaultModel)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.comhra/config.toml when present and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Not fatal: permissions might not be fixable on every filesystem
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return errors.Wrap(err, "failed to decode TOML file")
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", path)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to create config file")
	}
	defer file.Close()

	// The file may have existed with looser permissions
	if err := os.Chmod(path, 0600); err != nil {
		return errors.Wrap(err, "failed to set config file permissions")
	}

	fmt.Fprintln(file, "# comhra configuration file")
	fmt.Fprintln(file, "# Generated by comhra - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	backend := strings.ToLower(c.General.DefaultBackend)
	if backend != BackendLocal && backend != BackendHosted {
		errs = append(errs, ValidationError{
			Field:   "general.default_backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: local, hosted", c.General.DefaultBackend),
		})
	}

	if err := validateURL(c.Local.OllamaURL); err != nil {
		errs = append(errs, ValidationError{Field: "local.ollama_url", Message: err.Error()})
	}
	if c.Local.Timeout < 1 || c.Local.Timeout > 3600 {
		errs = append(errs, ValidationError{
			Field:   "local.timeout",
			Message: fmt.Sprintf("timeout %d out of range, must be 1-3600 seconds", c.Local.Timeout),
		})
	}

	if c.Hosted.Timeout < 1 || c.Hosted.Timeout > 3600 {
		errs = append(errs, ValidationError{
			Field:   "hosted.timeout",
			Message: fmt.Sprintf("timeout %d out of range, must be 1-3600 seconds", c.Hosted.Timeout),
		})
	}
	if c.Hosted.BaseURL != "" {
		if err := validateURL(c.Hosted.BaseURL); err != nil {
			errs = append(errs, ValidationError{Field: "hosted.base_url", Message: err.Error()})
		}
	}

	if c.Session.IdlePollMs < 1 {
		errs = append(errs, ValidationError{Field: "session.idle_poll_ms", Message: "must be positive"})
	}
	if c.Session.StreamingPollMs < 1 {
		errs = append(errs, ValidationError{Field: "session.streaming_poll_ms", Message: "must be positive"})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s'", c.Logging.Level),
		})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format '%s', must be one of: console, json", c.Logging.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("URL scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL has no host")
	}
	return nil
}

// SetDefaults fills zero values left by a partial config file.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.General.DefaultModel == "" {
		c.General.DefaultModel = defaults.General.DefaultModel
	}
	if c.General.DefaultBackend == "" {
		c.General.DefaultBackend = defaults.General.DefaultBackend
	}
	if c.Local.OllamaURL == "" {
		c.Local.OllamaURL = defaults.Local.OllamaURL
	}
	if c.Local.Timeout == 0 {
		c.Local.Timeout = defaults.Local.Timeout
	}
	if c.Hosted.DefaultModel == "" {
		c.Hosted.DefaultModel = defaults.Hosted.DefaultModel
	}
	if c.Hosted.Timeout == 0 {
		c.Hosted.Timeout = defaults.Hosted.Timeout
	}
	if c.Session.IdlePollMs == 0 {
		c.Session.IdlePollMs = defaults.Session.IdlePollMs
	}
	if c.Session.StreamingPollMs == 0 {
		c.Session.StreamingPollMs = defaults.Session.StreamingPollMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - COMHRA_DATA_DIR: overrides general.data_dir
//   - COMHRA_MODEL: overrides general.default_model
//   - COMHRA_BACKEND: overrides general.default_backend
//   - COMHRA_OLLAMA_URL: overrides local.ollama_url
//   - COMHRA_OPENAI_API_KEY (or OPENAI_API_KEY): overrides hosted.openai_api_key
//   - COMHRA_OPENAI_BASE_URL: overrides hosted.base_url
//   - COMHRA_LOG_LEVEL: overrides logging.level
func (c *Config) ApplyEnvOverrides() {
	if dir := os.Getenv("COMHRA_DATA_DIR"); dir != "" {
		c.General.DataDir = dir
	}
	if m := os.Getenv("COMHRA_MODEL"); m != "" {
		c.General.DefaultModel = m
	}
	if b := os.Getenv("COMHRA_BACKEND"); b != "" {
		c.General.DefaultBackend = b
	}
	if u := os.Getenv("COMHRA_OLLAMA_URL"); u != "" {
		c.Local.OllamaURL = u
	}

	// The conventional variable is honored; the prefixed one wins
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Hosted.OpenAIAPIKey = key
	}
	if key := os.Getenv("COMHRA_OPENAI_API_KEY"); key != "" {
		c.Hosted.OpenAIAPIKey = key
	}
	if u := os.Getenv("COMHRA_OPENAI_BASE_URL"); u != "" {
		c.Hosted.BaseURL = u
	}

	if level := os.Getenv("COMHRA_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "local.ollama_url").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "session.idle_poll_ms").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return errors.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, errors.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}

		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, errors.Errorf("'%s' is a section, not a value", key)
			}
			return field, nil
		}

		if field.Kind() != reflect.Struct {
			return reflect.Value{}, errors.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, errors.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return errors.Wrap(err, "invalid integer value")
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return errors.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"general.data_dir",
		"general.default_model",
		"general.default_backend",
		"local.ollama_url",
		"local.timeout",
		"hosted.openai_api_key",
		"hosted.base_url",
		"hosted.default_model",
		"hosted.timeout",
		"session.idle_poll_ms",
		"session.streaming_poll_ms",
		"logging.level",
		"logging.format",
		"logging.file",
	}
}

// Clone returns a copy of the configuration. Config holds only values.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the config as JSON with the API key redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Hosted.OpenAIAPIKey != "" {
		safe.Hosted.OpenAIAPIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
