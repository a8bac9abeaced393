package config

import "maps"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Session
	redact(&out.Session.Passphrase)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Auth
	redact(&out.Auth.JWTSecret)
	redact(&out.Auth.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Purchase.AutoRetryCodes != nil {
		out.Purchase.AutoRetryCodes = append([]string(nil), cfg.Purchase.AutoRetryCodes...)
	}
	if cfg.Kafka.Brokers != nil {
		out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	}
	if cfg.Purchase.MaxPriceRise != nil {
		v := *cfg.Purchase.MaxPriceRise
		out.Purchase.MaxPriceRise = &v
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Browser.Storefronts != nil {
		out.Browser.Storefronts = maps.Clone(cfg.Browser.Storefronts)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
