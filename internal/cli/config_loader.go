package cli

import (
	"errors"
	"os"

	"mailsync/internal/config"
	"mailsync/internal/secrets"
)

// configPath overrides the default config location when set by --config.
var configPath string

// loadConfig reads the config file and resolves the account password from
// MAILSYNC_AUTH_PASSWORD, the config file or the keyring, in that order.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, err
	}

	if _, ok := os.LookupEnv("MAILSYNC_AUTH_PASSWORD"); ok {
		cfg.Auth.PasswordSource = "env"
		return cfg, nil
	}

	if cfg.Auth.Password != "" {
		cfg.Auth.PasswordSource = "config"
		return cfg, nil
	}

	if cfg.Auth.Username == "" {
		return cfg, nil
	}

	password, err := secrets.GetPassword(cfg.Auth.Username)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return cfg, nil
		}
		return cfg, err
	}

	cfg.Auth.Password = password
	cfg.Auth.PasswordSource = "keyring"
	return cfg, nil
}
