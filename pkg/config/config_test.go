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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// validAzureADEnv is the minimum environment for a config that validates
// with the default azure_ad API type.
func validAzureADEnv() map[string]string {
	return map[string]string{
		"AZURE_OPENAI_ENDPOINT": "https://example.openai.azure.com",
		"AZURE_TENANT_ID":       "tenant-1",
		"AZURE_CLIENT_ID":       "client-1",
		"AZURE_CLIENT_SECRET":   "secret",
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ragchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 12210, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Identity.RefreshMargin)
	assert.Equal(t, 3, cfg.Search.DefaultTop)
	assert.Equal(t, "hybrid", cfg.Search.DefaultMode)
	assert.Equal(t, APITypeAzureAD, cfg.OpenAI.APIType)
	assert.True(t, cfg.Telemetry.MetricsEnabled)
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := load("", envMap(validAzureADEnv()))
	require.NoError(t, err)

	assert.Equal(t, "https://example.openai.azure.com", cfg.OpenAI.Endpoint)
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token",
		cfg.Identity.ResolvedTokenURL())
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1", cfg.Authority())
}

func TestLoad_IdentityAndAuditEnv(t *testing.T) {
	env := validAzureADEnv()
	env["RAG_TOKEN_REFRESH_INTERVAL"] = "45s"
	env["RAG_TOKEN_REFRESH_TIMEOUT"] = "5s"
	env["RAG_AUDIT_LOG"] = "true"

	cfg, err := load("", envMap(env))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Identity.RefreshInterval)
	assert.Equal(t, 5*time.Second, cfg.Identity.RefreshTimeout)
	assert.True(t, cfg.Logging.Audit)

	env["RAG_TOKEN_REFRESH_TIMEOUT"] = "soon"
	_, err = load("", envMap(env))
	assert.ErrorContains(t, err, "RAG_TOKEN_REFRESH_TIMEOUT")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  shutdown_timeout: 5s
openai:
  api_type: openai
  api_key: sk-file
  chat_model: gpt-4o-mini
search:
  default_top: 7
  weaviate_url: http://weaviate:8080
prompts:
  history_token_budget: 500
`)
	cfg, err := load(path, envMap(map[string]string{
		"RAG_PORT":       "9100",
		"OPENAI_API_KEY": "sk-env",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.ChatModel)
	assert.Equal(t, "embedding", cfg.OpenAI.EmbeddingModel, "omitted keys keep defaults")
	assert.Equal(t, 7, cfg.Search.DefaultTop)
	assert.Equal(t, 500, cfg.Prompts.HistoryTokenBudget)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
		assert.ErrorContains(t, err, "failed to read the config file")
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeConfig(t, "server:\n  prot: 1\n")
		_, err := load(path, envMap(validAzureADEnv()))
		assert.ErrorContains(t, err, "failed to parse the config file")
	})

	t.Run("bad env value", func(t *testing.T) {
		env := validAzureADEnv()
		env["RAG_PORT"] = "eighty"
		_, err := load("", envMap(env))
		assert.ErrorContains(t, err, "RAG_PORT")
	})

	t.Run("empty file keeps defaults", func(t *testing.T) {
		path := writeConfig(t, "")
		cfg, err := load(path, envMap(validAzureADEnv()))
		require.NoError(t, err)
		assert.Equal(t, 12210, cfg.Server.Port)
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		require.NoError(t, ApplyEnv(&cfg, envMap(validAzureADEnv())))
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "Server.Port"},
		{"bad mode", func(c *Config) { c.Search.DefaultMode = "semantic" }, "Search.DefaultMode"},
		{"bad exporter", func(c *Config) { c.Telemetry.Exporter = "jaeger" }, "Telemetry.Exporter"},
		{"azure ad without secret", func(c *Config) { c.Identity.ClientSecret = "" }, "client_secret"},
		{"azure without endpoint", func(c *Config) { c.OpenAI.Endpoint = "" }, "openai.endpoint"},
		{"openai without key", func(c *Config) {
			c.OpenAI.APIType = APITypeOpenAI
			c.OpenAI.APIKey = ""
		}, "OpenAI.APIKey"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.signing_key"},
		{"access control without auth", func(c *Config) {
			c.Auth.EnforceAccessControl = true
		}, "requires auth.enabled"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.OTLPEndpoint = "" }, "otlp_endpoint"},
		{"stdout exporter", func(c *Config) {
			c.Telemetry.Exporter = ExporterStdout
			c.Telemetry.OTLPEndpoint = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
