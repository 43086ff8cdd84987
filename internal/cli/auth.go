package cli

import (
	"fmt"

	"mailsync/internal/config"
	"mailsync/internal/secrets"

	"github.com/spf13/cobra"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Account credentials and server setup",
	}
	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthLogoutCmd())
	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var (
		imapHost     string
		imapPort     int
		imapTLS      bool
		imapStartTLS bool
		imapInsecure bool

		smtpHost     string
		smtpPort     int
		smtpTLS      bool
		smtpStartTLS bool
		smtpInsecure bool

		username    string
		password    string
		inConfig    bool
		sentMailbox string
		dbDriver    string
		dbDSN       string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store account credentials and server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("imap-host") {
				cfg.IMAP.Host = imapHost
			}
			if flags.Changed("imap-port") {
				cfg.IMAP.Port = imapPort
			}
			if flags.Changed("imap-tls") {
				cfg.IMAP.TLS = imapTLS
			}
			if flags.Changed("imap-starttls") {
				cfg.IMAP.StartTLS = imapStartTLS
			}
			if flags.Changed("imap-insecure") {
				cfg.IMAP.InsecureSkipVerify = imapInsecure
			}

			if flags.Changed("smtp-host") {
				cfg.SMTP.Host = smtpHost
			}
			if flags.Changed("smtp-port") {
				cfg.SMTP.Port = smtpPort
			}
			if flags.Changed("smtp-tls") {
				cfg.SMTP.TLS = smtpTLS
			}
			if flags.Changed("smtp-starttls") {
				cfg.SMTP.StartTLS = smtpStartTLS
			}
			if flags.Changed("smtp-insecure") {
				cfg.SMTP.InsecureSkipVerify = smtpInsecure
			}

			if flags.Changed("username") {
				cfg.Auth.Username = username
			}
			if flags.Changed("password") {
				cfg.Auth.Password = password
			}
			if flags.Changed("sent-mailbox") {
				cfg.Defaults.SentMailbox = sentMailbox
			}
			if flags.Changed("db-driver") {
				cfg.Database.Driver = dbDriver
			}
			if flags.Changed("db-dsn") {
				cfg.Database.DSN = dbDSN
			}

			if err := config.Validate(cfg); err != nil {
				return err
			}

			saved := cfg
			where := "config"
			if !inConfig && flags.Changed("password") {
				if err := secrets.SetPassword(cfg.Auth.Username, cfg.Auth.Password); err != nil {
					return err
				}
				saved.Auth.Password = ""
				where = "keyring"
			} else if cfg.Auth.PasswordSource != "config" && !flags.Changed("password") {
				saved.Auth.Password = ""
				where = cfg.Auth.PasswordSource
			}

			path, err := saveConfig(saved)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s (password in %s)\n", path, where)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&imapHost, "imap-host", "", "IMAP host")
	f.IntVar(&imapPort, "imap-port", 0, "IMAP port")
	f.BoolVar(&imapTLS, "imap-tls", false, "Use IMAP TLS")
	f.BoolVar(&imapStartTLS, "imap-starttls", false, "Use IMAP STARTTLS")
	f.BoolVar(&imapInsecure, "imap-insecure", false, "Skip IMAP TLS verification")

	f.StringVar(&smtpHost, "smtp-host", "", "SMTP host")
	f.IntVar(&smtpPort, "smtp-port", 0, "SMTP port")
	f.BoolVar(&smtpTLS, "smtp-tls", false, "Use SMTP TLS")
	f.BoolVar(&smtpStartTLS, "smtp-starttls", false, "Use SMTP STARTTLS")
	f.BoolVar(&smtpInsecure, "smtp-insecure", false, "Skip SMTP TLS verification")

	f.StringVar(&username, "username", "", "Username")
	f.StringVar(&password, "password", "", "Password or app password")
	f.BoolVar(&inConfig, "password-in-config", false, "Write the password to the config file instead of the keyring")
	f.StringVar(&sentMailbox, "sent-mailbox", "", "Sent folder used when the server does not advertise one")
	f.StringVar(&dbDriver, "db-driver", "", "Database driver (sqlite or postgres)")
	f.StringVar(&dbDSN, "db-dsn", "", "Database path or connection string")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored account password from the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Username == "" {
				return fmt.Errorf("auth.username is not configured")
			}
			if err := secrets.DeletePassword(cfg.Auth.Username); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password removed.")
			return nil
		},
	}
}

func saveConfig(cfg config.Config) (string, error) {
	if configPath != "" {
		return configPath, config.SaveFile(configPath, cfg)
	}
	return config.Save(cfg)
}
