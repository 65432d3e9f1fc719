// Package config provides layered configuration loading: defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/template-mailer/internal/smtp"
)

// Provider names accepted by the provider key.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// defaultTimeout bounds each SMTP command and the connection setup.
const defaultTimeout = 30 * time.Second

// ErrInvalidConfig matches every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	Provider  string          `yaml:"provider"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Account   AccountConfig   `yaml:"account"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	S3        S3Config        `yaml:"s3"`
	Context   ContextConfig   `yaml:"context"`
	Templates TemplatesConfig `yaml:"templates"`
	Mail      MailConfig      `yaml:"mail"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SMTPConfig describes the submission server. An empty host means the
// account endpoint supplies the server and credentials.
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Security           string        `yaml:"security"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Auth               string        `yaml:"auth"`
	ClientName         string        `yaml:"client_name"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// AccountConfig points at the test-account endpoint.
type AccountConfig struct {
	URL string `yaml:"url"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// S3Config enables s3:// resource locators when Region is set.
type S3Config struct {
	Region string `yaml:"region"`
}

// ContextConfig configures identifier generation and relative paths.
type ContextConfig struct {
	Domain  string `yaml:"domain"`
	BaseDir string `yaml:"base_dir"`
}

// TemplatesConfig locates the template directories.
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// MailConfig holds the example mail addresses.
type MailConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// StaticAccount reports whether SMTP credentials come from the
// configuration rather than the account endpoint.
func (c *Config) StaticAccount() bool {
	return c.SMTP.Host != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials are optional; the default AWS chain is used without them.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderSMTP, ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires ses.region and ses.sender"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph provider requires graph.tenant_id, client_id, client_secret and sender"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.StaticAccount() {
		if c.SMTP.Username == "" || c.SMTP.Password == "" {
			errs = append(errs, errors.New("smtp.host requires smtp.username and smtp.password"))
		}
	} else if c.Provider == ProviderSMTP && c.Account.URL == "" {
		errs = append(errs, errors.New("either smtp.host or account.url must be set"))
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d out of range", c.SMTP.Port))
	}
	if c.SMTP.Security != "" {
		if _, err := smtp.ParseSecurityMode(c.SMTP.Security); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToUpper(c.SMTP.Auth) {
	case "", "PLAIN", "LOGIN":
	default:
		errs = append(errs, fmt.Errorf("unsupported smtp.auth %q", c.SMTP.Auth))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, errors.New("smtp.timeout must be positive"))
	}

	if c.Context.Domain == "" {
		errs = append(errs, errors.New("context.domain must be set"))
	}
	if c.Mail.From == "" || c.Mail.To == "" {
		errs = append(errs, errors.New("mail.from and mail.to must be set"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.SMTP.Auth = "PLAIN"
	c.SMTP.Timeout = defaultTimeout
	c.Account.URL = "https://api.nodemailer.com/user"
	c.Context.Domain = "mail.crate.example.com"
	c.Templates.Dir = "templates"
	c.Mail.From = "from@example.com"
	c.Mail.To = "to@example.com"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Host, "SMTP_HOST")
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SMTP_PORT: %v", ErrInvalidConfig, err)
		}
		c.SMTP.Port = port
	}
	setString(&c.SMTP.Security, "SMTP_SECURITY")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.Auth, "SMTP_AUTH")
	setString(&c.SMTP.ClientName, "SMTP_CLIENT_NAME")
	setString(&c.SMTP.CAFile, "SMTP_CA_FILE")
	if v := os.Getenv("SMTP_INSECURE_SKIP_VERIFY"); v != "" {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SMTP_INSECURE_SKIP_VERIFY: %v", ErrInvalidConfig, err)
		}
		c.SMTP.InsecureSkipVerify = skip
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SMTP_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		c.SMTP.Timeout = d
	}

	setString(&c.Account.URL, "ACCOUNT_URL")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.S3.Region, "S3_REGION")

	setString(&c.Context.Domain, "MAIL_DOMAIN")
	setString(&c.Context.BaseDir, "MAIL_BASE_DIR")
	setString(&c.Templates.Dir, "TEMPLATES_DIR")
	setString(&c.Mail.From, "MAIL_FROM")
	setString(&c.Mail.To, "MAIL_TO")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	setString(&c.Logging.SentryDSN, "SENTRY_DSN")
	setString(&c.Logging.Environment, "SENTRY_ENVIRONMENT")

	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
