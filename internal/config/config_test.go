package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allEnvVars = []string{
	"PROVIDER",
	"SMTP_HOST", "SMTP_PORT", "SMTP_SECURITY", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_AUTH",
	"SMTP_CLIENT_NAME", "SMTP_CA_FILE", "SMTP_INSECURE_SKIP_VERIFY", "SMTP_TIMEOUT",
	"ACCOUNT_URL",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_SENDER",
	"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET", "GRAPH_SENDER",
	"S3_REGION", "MAIL_DOMAIN", "MAIL_BASE_DIR", "TEMPLATES_DIR", "MAIL_FROM", "MAIL_TO",
	"LOG_LEVEL", "LOG_FORMAT", "SENTRY_DSN", "SENTRY_ENVIRONMENT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		t.Setenv(env, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderSMTP, cfg.Provider)
	assert.Empty(t, cfg.SMTP.Host)
	assert.Equal(t, "PLAIN", cfg.SMTP.Auth)
	assert.Equal(t, 30*time.Second, cfg.SMTP.Timeout)
	assert.Equal(t, "https://api.nodemailer.com/user", cfg.Account.URL)
	assert.Equal(t, "mail.crate.example.com", cfg.Context.Domain)
	assert.Equal(t, "templates", cfg.Templates.Dir)
	assert.Equal(t, "from@example.com", cfg.Mail.From)
	assert.Equal(t, "to@example.com", cfg.Mail.To)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.StaticAccount())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "SES")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "2465")
	t.Setenv("SMTP_SECURITY", "tls")
	t.Setenv("SMTP_USERNAME", "admin")
	t.Setenv("SMTP_PASSWORD", "secret123")
	t.Setenv("SMTP_AUTH", "LOGIN")
	t.Setenv("SMTP_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("SMTP_TIMEOUT", "5s")
	t.Setenv("SES_REGION", "us-west-2")
	t.Setenv("SES_SENDER", "ses@example.com")
	t.Setenv("GRAPH_TENANT_ID", "tid-123")
	t.Setenv("S3_REGION", "eu-central-1")
	t.Setenv("MAIL_DOMAIN", "mail.example.org")
	t.Setenv("MAIL_FROM", "lucy@example.org")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("SENTRY_DSN", "https://key@sentry.example.com/1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderSES, cfg.Provider)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 2465, cfg.SMTP.Port)
	assert.Equal(t, "tls", cfg.SMTP.Security)
	assert.Equal(t, "admin", cfg.SMTP.Username)
	assert.Equal(t, "secret123", cfg.SMTP.Password)
	assert.Equal(t, "LOGIN", cfg.SMTP.Auth)
	assert.True(t, cfg.SMTP.InsecureSkipVerify)
	assert.Equal(t, 5*time.Second, cfg.SMTP.Timeout)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, "tid-123", cfg.Graph.TenantID)
	assert.Equal(t, "eu-central-1", cfg.S3.Region)
	assert.Equal(t, "mail.example.org", cfg.Context.Domain)
	assert.Equal(t, "lucy@example.org", cfg.Mail.From)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "https://key@sentry.example.com/1", cfg.Logging.SentryDSN)
	assert.True(t, cfg.StaticAccount())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"SMTP_PORT", "not-a-number"},
		{"SMTP_TIMEOUT", "soon"},
		{"SMTP_INSECURE_SKIP_VERIFY", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)

			_, err := Load()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	content := `
provider: graph
smtp:
  host: smtp.ethereal.email
  port: 587
  security: starttls
  username: user@ethereal.email
  password: pass
  timeout: 10s
graph:
  tenant_id: yaml-tid
  client_id: yaml-cid
  client_secret: yaml-secret
  sender: yaml@example.com
context:
  domain: mail.yaml.example
  base_dir: /srv/mailer
logging:
  level: warn
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderGraph, cfg.Provider)
	assert.Equal(t, "smtp.ethereal.email", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 10*time.Second, cfg.SMTP.Timeout)
	assert.Equal(t, "PLAIN", cfg.SMTP.Auth, "defaults survive keys absent from the file")
	assert.True(t, cfg.GraphConfigured())
	assert.Equal(t, "mail.yaml.example", cfg.Context.Domain)
	assert.Equal(t, "/srv/mailer", cfg.Context.BaseDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_HOST", "env.example.com")
	t.Setenv("LOG_LEVEL", "error")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("smtp:\n  host: yaml.example.com\nlogging:\n  level: debug\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", cfg.SMTP.Host)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("smtp:\n  port: [unclosed"), 0o644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestSESConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ses    SESConfig
		expect bool
	}{
		{name: "region and sender set", ses: SESConfig{Region: "us-east-1", Sender: "ses@example.com"}, expect: true},
		{name: "all fields set", ses: SESConfig{Region: "us-east-1", AccessKeyID: "key", SecretAccessKey: "secret", Sender: "ses@example.com"}, expect: true},
		{name: "missing region", ses: SESConfig{Sender: "ses@example.com"}, expect: false},
		{name: "missing sender", ses: SESConfig{Region: "us-east-1"}, expect: false},
		{name: "none set", ses: SESConfig{}, expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{SES: tt.ses}
			assert.Equal(t, tt.expect, cfg.SESConfigured())
		})
	}
}

func TestGraphConfigured(t *testing.T) {
	t.Parallel()

	full := GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "x@example.com"}
	assert.True(t, (&Config{Graph: full}).GraphConfigured())

	partial := full
	partial.ClientSecret = ""
	assert.False(t, (&Config{Graph: partial}).GraphConfigured())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "pigeon" }, wantErr: `unknown provider "pigeon"`},
		{name: "ses without region", mutate: func(c *Config) { c.Provider = ProviderSES }, wantErr: "ses.region"},
		{name: "graph incomplete", mutate: func(c *Config) { c.Provider = ProviderGraph }, wantErr: "graph provider requires"},
		{name: "static host without credentials", mutate: func(c *Config) { c.SMTP.Host = "smtp.example.com" }, wantErr: "smtp.username"},
		{name: "no account source", mutate: func(c *Config) { c.Account.URL = "" }, wantErr: "account.url"},
		{name: "port out of range", mutate: func(c *Config) { c.SMTP.Port = 70000 }, wantErr: "out of range"},
		{name: "bad security", mutate: func(c *Config) { c.SMTP.Security = "carrier-pigeon" }, wantErr: "carrier-pigeon"},
		{name: "bad auth", mutate: func(c *Config) { c.SMTP.Auth = "CRAM-MD5" }, wantErr: "CRAM-MD5"},
		{name: "zero timeout", mutate: func(c *Config) { c.SMTP.Timeout = 0 }, wantErr: "timeout"},
		{name: "empty domain", mutate: func(c *Config) { c.Context.Domain = "" }, wantErr: "context.domain"},
		{name: "no recipient", mutate: func(c *Config) { c.Mail.To = "" }, wantErr: "mail.to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("stdout needs no account", func(t *testing.T) {
		t.Parallel()
		cfg := valid()
		cfg.Provider = ProviderStdout
		cfg.Account.URL = ""
		assert.NoError(t, cfg.Validate())
	})
}
