// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the orchestrator configuration: defaults, an
// optional YAML file, environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// API types accepted for OpenAIConfig.APIType.
const (
	APITypeOpenAI  = "openai"
	APITypeAzure   = "azure"
	APITypeAzureAD = "azure_ad"
)

// Telemetry exporters accepted for TelemetryConfig.Exporter.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Identity  IdentityConfig  `yaml:"identity"`
	Search    SearchConfig    `yaml:"search"`
	Auth      AuthConfig      `yaml:"auth"`
	Content   ContentConfig   `yaml:"content"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Prompts   PromptConfig    `yaml:"prompts"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	GinMode         string        `yaml:"gin_mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`

	// Audit writes completed exchanges to the log as "audit" records.
	Audit bool `yaml:"audit"`
}

// OpenAIConfig configures the completion and embedding backend.
//
// With APIType "azure_ad" the API key is replaced by a bearer credential
// obtained through IdentityConfig.
type OpenAIConfig struct {
	Endpoint          string  `yaml:"endpoint" validate:"omitempty,url"`
	APIType           string  `yaml:"api_type" validate:"oneof=openai azure azure_ad"`
	APIKey            string  `yaml:"api_key" validate:"required_unless=APIType azure_ad"`
	APIVersion        string  `yaml:"api_version"`
	ChatModel         string  `yaml:"chat_model" validate:"required"`
	EmbeddingModel    string  `yaml:"embedding_model" validate:"required"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
}

// IdentityConfig configures the client-credentials flow used to obtain the
// LLM backend bearer credential.
type IdentityConfig struct {
	TenantID        string        `yaml:"tenant_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	TokenURL        string        `yaml:"token_url" validate:"omitempty,url"`
	Scope           string        `yaml:"scope"`
	RefreshMargin   time.Duration `yaml:"refresh_margin" validate:"min=0"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"min=0"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout" validate:"min=0"`
}

// ResolvedTokenURL returns TokenURL, or the Microsoft identity platform
// endpoint for TenantID when TokenURL is empty.
func (c IdentityConfig) ResolvedTokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	if c.TenantID == "" {
		return ""
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// SearchConfig configures the Weaviate-backed search index.
type SearchConfig struct {
	WeaviateURL     string  `yaml:"weaviate_url" validate:"omitempty,url"`
	WeaviateAPIKey  string  `yaml:"weaviate_api_key"`
	ClassName       string  `yaml:"class_name" validate:"required"`
	ContentField    string  `yaml:"content_field" validate:"required"`
	SourceField     string  `yaml:"source_field" validate:"required"`
	CategoryField   string  `yaml:"category_field" validate:"required"`
	AccessTagsField string  `yaml:"access_tags_field" validate:"required"`
	DefaultMode     string  `yaml:"default_mode" validate:"oneof=text vectors hybrid"`
	DefaultTop      int     `yaml:"default_top" validate:"min=1,max=50"`
	HybridAlpha     float32 `yaml:"hybrid_alpha" validate:"min=0,max=1"`
	EmbeddingCache  int64   `yaml:"embedding_cache_entries" validate:"min=0"`

	// EnsureSchema creates the passage class at startup when missing.
	EnsureSchema bool `yaml:"ensure_schema"`
}

// AuthConfig configures caller authentication and document access control.
type AuthConfig struct {
	// Enabled turns on bearer token validation for inbound requests.
	Enabled bool `yaml:"enabled"`

	// EnforceAccessControl filters retrieved passages by the caller's
	// claims. Requires Enabled.
	EnforceAccessControl bool `yaml:"enforce_access_control"`

	// SigningKey is an HMAC secret; PublicKeyPEM an RSA public key. One of
	// them is required when Enabled.
	SigningKey   string `yaml:"signing_key"`
	PublicKeyPEM string `yaml:"public_key_pem"`

	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	ClientAppID string `yaml:"client_app_id"`
	Authority   string `yaml:"authority"`
}

// ContentConfig locates cited source documents. An empty Bucket disables
// the /content route.
type ContentConfig struct {
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

type TelemetryConfig struct {
	Exporter       string `yaml:"exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name" validate:"required"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// PromptConfig tunes prompt construction.
type PromptConfig struct {
	HistoryTokenBudget int     `yaml:"history_token_budget" validate:"min=0"`
	ResponseTokens     int     `yaml:"response_tokens" validate:"min=1"`
	Temperature        float32 `yaml:"temperature" validate:"min=0,max=2"`
	RewriteTemperature float32 `yaml:"rewrite_temperature" validate:"min=0,max=2"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12210,
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		OpenAI: OpenAIConfig{
			APIType:        APITypeAzureAD,
			APIVersion:     "2024-02-01",
			ChatModel:      "chat",
			EmbeddingModel: "embedding",
		},
		Identity: IdentityConfig{
			Scope:           "https://cognitiveservices.azure.com/.default",
			RefreshMargin:   60 * time.Second,
			RefreshInterval: 30 * time.Second,
			RefreshTimeout:  20 * time.Second,
		},
		Search: SearchConfig{
			ClassName:       "Passage",
			ContentField:    "content",
			SourceField:     "sourcepage",
			CategoryField:   "category",
			AccessTagsField: "access_tags",
			DefaultMode:     "hybrid",
			DefaultTop:      3,
			HybridAlpha:     0.5,
			EmbeddingCache:  10_000,
		},
		Telemetry: TelemetryConfig{
			Exporter:       ExporterOTLP,
			OTLPEndpoint:   "aleutian-otel-collector:4317",
			ServiceName:    "ragchat",
			MetricsEnabled: true,
		},
		Prompts: PromptConfig{
			HistoryTokenBudget: 3000,
			ResponseTokens:     1024,
			Temperature:        0.7,
			RewriteTemperature: 0.0,
		},
	}
}

var configValidate = validator.New()

// Validate checks field constraints and cross-section requirements.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %s", describeValidationError(err))
	}

	var problems []string
	if c.OpenAI.APIType != APITypeOpenAI && c.OpenAI.Endpoint == "" {
		problems = append(problems, "openai.endpoint is required for azure api types")
	}
	if c.OpenAI.APIType == APITypeAzureAD {
		if c.Identity.ClientID == "" || c.Identity.ClientSecret == "" {
			problems = append(problems, "identity.client_id and identity.client_secret are required for api_type azure_ad")
		}
		if c.Identity.ResolvedTokenURL() == "" {
			problems = append(problems, "identity.token_url or identity.tenant_id is required for api_type azure_ad")
		}
	}
	if c.Auth.Enabled && c.Auth.SigningKey == "" && c.Auth.PublicKeyPEM == "" {
		problems = append(problems, "auth.signing_key or auth.public_key_pem is required when auth is enabled")
	}
	if c.Auth.EnforceAccessControl && !c.Auth.Enabled {
		problems = append(problems, "auth.enforce_access_control requires auth.enabled")
	}
	if c.Telemetry.Exporter == ExporterOTLP && c.Telemetry.OTLPEndpoint == "" {
		problems = append(problems, "telemetry.otlp_endpoint is required for the otlp exporter")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %q (%s)", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
