package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging the active
// configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.APISecret)
	redact(&out.Exchange.SecretPassword)
	redact(&out.Redis.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy reference types so the redacted copy cannot alias the original.
	out.Exchange.Endpoints = append([]string(nil), cfg.Exchange.Endpoints...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	if cfg.Exchange.FeeOverrides != nil {
		out.Exchange.FeeOverrides = make(map[string]float64, len(cfg.Exchange.FeeOverrides))
		for k, v := range cfg.Exchange.FeeOverrides {
			out.Exchange.FeeOverrides[k] = v
		}
	}

	return out
}

// redact replaces a non-empty string with "***".
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
