package config

import (
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for secret overrides, e.g. SIEMALERT_SMTP_PASSWORD.
const EnvPrefix = "SIEMALERT"

// Secrets are read from the environment and take precedence over the file.
type Secrets struct {
	StorageDSN      string `envconfig:"STORAGE_DSN"`
	StoragePassword string `envconfig:"STORAGE_PASSWORD"`
	SourcePassword  string `envconfig:"SOURCE_PASSWORD"`
	ManagerPassword string `envconfig:"MANAGER_PASSWORD"`
	SMTPPassword    string `envconfig:"SMTP_PASSWORD"`
	WebhookSecret   string `envconfig:"WEBHOOK_SECRET"`
	TelegramToken   string `envconfig:"TELEGRAM_TOKEN"`
	AdminToken      string `envconfig:"ADMIN_TOKEN"`
	ConfigStoreDSN  string `envconfig:"CONFIGSTORE_DSN"`
}

// LoadSecrets reads Secrets from the process environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	err := envconfig.Process(EnvPrefix, &s)
	return s, err
}

// Overlay copies every non-empty secret into cfg.
func (s Secrets) Overlay(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.DSN, s.StorageDSN)
	set(&cfg.Storage.Password, s.StoragePassword)
	set(&cfg.Source.Password, s.SourcePassword)
	if s.ManagerPassword != "" {
		if cfg.Source.Manager == nil {
			cfg.Source.Manager = &ManagerConfig{}
		}
		cfg.Source.Manager.Password = s.ManagerPassword
	}
	if s.SMTPPassword != "" && cfg.Notifier.Email != nil {
		cfg.Notifier.Email.Password = s.SMTPPassword
	}
	if s.WebhookSecret != "" {
		if cfg.Notifier.Webhook == nil {
			cfg.Notifier.Webhook = &WebhookConfig{}
		}
		cfg.Notifier.Webhook.HMACSecret = s.WebhookSecret
	}
	if s.TelegramToken != "" {
		if cfg.Notifier.Telegram == nil {
			cfg.Notifier.Telegram = &TelegramConfig{}
		}
		cfg.Notifier.Telegram.Token = s.TelegramToken
	}
	set(&cfg.Admin.Token, s.AdminToken)
	set(&cfg.ConfigStore.DSN, s.ConfigStoreDSN)
}
