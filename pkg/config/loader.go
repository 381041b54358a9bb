// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc reports the value of an environment variable. os.LookupEnv
// satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration in three layers: Default, then the YAML file
// at path (skipped when path is empty), then environment overrides. The
// result is validated.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML decodes on top of the existing values so omitted keys keep
// their defaults. Unknown keys are rejected to catch typos.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// =============================================================================
// Environment Overrides
// =============================================================================

type envBinding struct {
	key   string
	apply func(cfg *Config, value string) error
}

// envBindings lists every supported environment override. Later bindings
// for the same field win.
var envBindings = []envBinding{
	{"RAG_PORT", intField(func(c *Config) *int { return &c.Server.Port })},
	{"ORCHESTRATOR_PORT", intField(func(c *Config) *int { return &c.Server.Port })},
	{"RAG_GIN_MODE", stringField(func(c *Config) *string { return &c.Server.GinMode })},
	{"RAG_SHUTDOWN_TIMEOUT", durationField(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},

	{"RAG_LOG_LEVEL", stringField(func(c *Config) *string { return &c.Logging.Level })},
	{"RAG_LOG_JSON", boolField(func(c *Config) *bool { return &c.Logging.JSON })},
	{"RAG_LOG_DIR", stringField(func(c *Config) *string { return &c.Logging.Dir })},
	{"RAG_AUDIT_LOG", boolField(func(c *Config) *bool { return &c.Logging.Audit })},

	{"OPENAI_API_TYPE", stringField(func(c *Config) *string { return &c.OpenAI.APIType })},
	{"OPENAI_ENDPOINT", stringField(func(c *Config) *string { return &c.OpenAI.Endpoint })},
	{"AZURE_OPENAI_ENDPOINT", stringField(func(c *Config) *string { return &c.OpenAI.Endpoint })},
	{"OPENAI_API_KEY", stringField(func(c *Config) *string { return &c.OpenAI.APIKey })},
	{"OPENAI_API_VERSION", stringField(func(c *Config) *string { return &c.OpenAI.APIVersion })},
	{"OPENAI_CHAT_MODEL", stringField(func(c *Config) *string { return &c.OpenAI.ChatModel })},
	{"AZURE_OPENAI_CHATGPT_DEPLOYMENT", stringField(func(c *Config) *string { return &c.OpenAI.ChatModel })},
	{"OPENAI_EMBEDDING_MODEL", stringField(func(c *Config) *string { return &c.OpenAI.EmbeddingModel })},
	{"AZURE_OPENAI_EMB_DEPLOYMENT", stringField(func(c *Config) *string { return &c.OpenAI.EmbeddingModel })},
	{"RAG_OPENAI_RPS", floatField(func(c *Config) *float64 { return &c.OpenAI.RequestsPerSecond })},

	{"AZURE_TENANT_ID", stringField(func(c *Config) *string { return &c.Identity.TenantID })},
	{"AZURE_CLIENT_ID", stringField(func(c *Config) *string { return &c.Identity.ClientID })},
	{"AZURE_CLIENT_SECRET", stringField(func(c *Config) *string { return &c.Identity.ClientSecret })},
	{"AZURE_TOKEN_URL", stringField(func(c *Config) *string { return &c.Identity.TokenURL })},
	{"RAG_TOKEN_SCOPE", stringField(func(c *Config) *string { return &c.Identity.Scope })},
	{"RAG_TOKEN_REFRESH_MARGIN", durationField(func(c *Config) *time.Duration { return &c.Identity.RefreshMargin })},
	{"RAG_TOKEN_REFRESH_INTERVAL", durationField(func(c *Config) *time.Duration { return &c.Identity.RefreshInterval })},
	{"RAG_TOKEN_REFRESH_TIMEOUT", durationField(func(c *Config) *time.Duration { return &c.Identity.RefreshTimeout })},

	{"WEAVIATE_SERVICE_URL", stringField(func(c *Config) *string { return &c.Search.WeaviateURL })},
	{"WEAVIATE_API_KEY", stringField(func(c *Config) *string { return &c.Search.WeaviateAPIKey })},
	{"RAG_SEARCH_CLASS", stringField(func(c *Config) *string { return &c.Search.ClassName })},
	{"RAG_RETRIEVAL_MODE", stringField(func(c *Config) *string { return &c.Search.DefaultMode })},
	{"RAG_TOP", intField(func(c *Config) *int { return &c.Search.DefaultTop })},
	{"RAG_SEARCH_ENSURE_SCHEMA", boolField(func(c *Config) *bool { return &c.Search.EnsureSchema })},

	{"AZURE_USE_AUTHENTICATION", boolField(func(c *Config) *bool { return &c.Auth.Enabled })},
	{"AZURE_ENFORCE_ACCESS_CONTROL", boolField(func(c *Config) *bool { return &c.Auth.EnforceAccessControl })},
	{"RAG_JWT_SIGNING_KEY", stringField(func(c *Config) *string { return &c.Auth.SigningKey })},
	{"RAG_JWT_PUBLIC_KEY_PEM", stringField(func(c *Config) *string { return &c.Auth.PublicKeyPEM })},
	{"RAG_JWT_ISSUER", stringField(func(c *Config) *string { return &c.Auth.Issuer })},
	{"AZURE_SERVER_APP_ID", stringField(func(c *Config) *string { return &c.Auth.Audience })},
	{"AZURE_CLIENT_APP_ID", stringField(func(c *Config) *string { return &c.Auth.ClientAppID })},
	{"RAG_AUTH_AUTHORITY", stringField(func(c *Config) *string { return &c.Auth.Authority })},

	{"RAG_CONTENT_BUCKET", stringField(func(c *Config) *string { return &c.Content.Bucket })},
	{"GOOGLE_APPLICATION_CREDENTIALS", stringField(func(c *Config) *string { return &c.Content.CredentialsFile })},

	{"OTEL_TRACES_EXPORTER", stringField(func(c *Config) *string { return &c.Telemetry.Exporter })},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", stringField(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"OTEL_SERVICE_NAME", stringField(func(c *Config) *string { return &c.Telemetry.ServiceName })},
	{"RAG_METRICS_ENABLED", boolField(func(c *Config) *bool { return &c.Telemetry.MetricsEnabled })},

	{"RAG_HISTORY_TOKEN_BUDGET", intField(func(c *Config) *int { return &c.Prompts.HistoryTokenBudget })},
}

// ApplyEnv overlays environment values onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range envBindings {
		value, ok := lookup(b.key)
		if !ok || value == "" {
			continue
		}
		if err := b.apply(cfg, value); err != nil {
			return fmt.Errorf("environment variable %s: %w", b.key, err)
		}
	}
	return nil
}

func stringField(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func intField(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func floatField(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*field(c) = f
		return nil
	}
}

func boolField(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*field(c) = b
		return nil
	}
}

func durationField(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("not a duration: %q", v)
		}
		*field(c) = d
		return nil
	}
}

// Authority returns the sign-in authority advertised to browser clients.
func (c Config) Authority() string {
	if c.Auth.Authority != "" {
		return c.Auth.Authority
	}
	if c.Identity.TenantID == "" {
		return ""
	}
	return "https://login.microsoftonline.com/" + c.Identity.TenantID
}
