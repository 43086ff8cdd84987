// Package secrets keeps account passwords in the OS keyring, or in an
// encrypted file keyring on headless hosts.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"mailsync/internal/config"
)

const (
	keyringPasswordEnv = "MAILSYNC_KEYRING_PASSWORD" //nolint:gosec // env var name, not a credential
	keyringBackendEnv  = "MAILSYNC_KEYRING_BACKEND"  //nolint:gosec // env var name, not a credential
)

var (
	ErrSecretNotFound        = errors.New("secret not found")
	errMissingSecretKey      = errors.New("missing secret key")
	errMissingUsername       = errors.New("missing username")
	errMissingPassword       = errors.New("missing password")
	errNoTTY                 = errors.New("no TTY available for keyring file backend password prompt")
	errInvalidKeyringBackend = errors.New("invalid keyring backend")
	errKeyringTimeout        = errors.New("keyring connection timed out")
	openKeyringFunc          = openKeyring
	keyringOpenFunc          = keyring.Open
)

// BackendInfo is the resolved keyring backend and where the choice came
// from ("env", "config" or "default").
type BackendInfo struct {
	Value  string
	Source string
}

const (
	backendSourceEnv     = "env"
	backendSourceConfig  = "config"
	backendSourceDefault = "default"
	backendAuto          = "auto"
)

// keyringOpenTimeout bounds keyring.Open. D-Bus SecretService can block
// forever when gnome-keyring is installed but not running.
const keyringOpenTimeout = 5 * time.Second

type keyringSettings struct {
	Backend string `yaml:"keyring_backend"`
}

func readKeyringSettings() (keyringSettings, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return keyringSettings{}, err
	}

	b, err := os.ReadFile(path) //nolint:gosec // config path is trusted
	if err != nil {
		if os.IsNotExist(err) {
			return keyringSettings{}, nil
		}
		return keyringSettings{}, fmt.Errorf("read config: %w", err)
	}

	var s keyringSettings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return keyringSettings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, nil
}

// ResolveBackend picks the keyring backend: MAILSYNC_KEYRING_BACKEND wins
// over keyring_backend in the config file, which wins over "auto".
func ResolveBackend() (BackendInfo, error) {
	if v := normalize(os.Getenv(keyringBackendEnv)); v != "" {
		return BackendInfo{Value: v, Source: backendSourceEnv}, nil
	}

	s, err := readKeyringSettings()
	if err != nil {
		return BackendInfo{}, fmt.Errorf("resolve keyring backend: %w", err)
	}
	if v := normalize(s.Backend); v != "" {
		return BackendInfo{Value: v, Source: backendSourceConfig}, nil
	}

	return BackendInfo{Value: backendAuto, Source: backendSourceDefault}, nil
}

func allowedBackends(info BackendInfo) ([]keyring.BackendType, error) {
	switch info.Value {
	case "", backendAuto:
		return nil, nil
	case "keychain":
		return []keyring.BackendType{keyring.KeychainBackend}, nil
	case "secret-service":
		return []keyring.BackendType{keyring.SecretServiceBackend}, nil
	case "file":
		return []keyring.BackendType{keyring.FileBackend}, nil
	default:
		return nil, fmt.Errorf("%w: %q (expected %s, keychain, secret-service or file)", errInvalidKeyringBackend, info.Value, backendAuto)
	}
}

// IsKeychainLockedError reports whether msg is the macOS error for a locked
// login keychain.
func IsKeychainLockedError(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "user interaction is not allowed") ||
		strings.Contains(msg, "-25308")
}

func wrapKeychainError(err error) error {
	if err == nil {
		return nil
	}
	if IsKeychainLockedError(err.Error()) {
		return fmt.Errorf("%w\n\nYour macOS keychain is locked. To unlock it, run:\n  security unlock-keychain ~/Library/Keychains/login.keychain-db", err)
	}
	return err
}

func filePasswordPrompt(password string, passwordSet, isTTY bool) keyring.PromptFunc {
	// An empty passphrase is valid when set explicitly.
	if passwordSet {
		return keyring.FixedStringPrompt(password)
	}
	if isTTY {
		return keyring.TerminalPrompt
	}
	return func(_ string) (string, error) {
		return "", fmt.Errorf("%w; set %s", errNoTTY, keyringPasswordEnv)
	}
}

// forceFileBackend is true on Linux hosts without a D-Bus session, where
// only the file backend can work.
func forceFileBackend(goos string, info BackendInfo, dbusAddr string) bool {
	return goos == "linux" && info.Value == backendAuto && dbusAddr == ""
}

func useOpenTimeout(goos string, info BackendInfo, dbusAddr string) bool {
	return goos == "linux" && info.Value == backendAuto && dbusAddr != ""
}

func openKeyring() (keyring.Keyring, error) {
	dir, err := config.EnsureKeyringDir()
	if err != nil {
		return nil, fmt.Errorf("ensure keyring dir: %w", err)
	}

	info, err := ResolveBackend()
	if err != nil {
		return nil, err
	}
	backends, err := allowedBackends(info)
	if err != nil {
		return nil, err
	}

	dbusAddr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if forceFileBackend(runtime.GOOS, info, dbusAddr) {
		backends = []keyring.BackendType{keyring.FileBackend}
	}

	password, passwordSet := os.LookupEnv(keyringPasswordEnv)
	cfg := keyring.Config{
		ServiceName:              config.AppName,
		KeychainTrustApplication: false,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         filePasswordPrompt(password, passwordSet, term.IsTerminal(int(os.Stdin.Fd()))),
	}

	if useOpenTimeout(runtime.GOOS, info, dbusAddr) {
		return openWithTimeout(cfg, keyringOpenTimeout)
	}

	ring, err := keyringOpenFunc(cfg)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return ring, nil
}

func openWithTimeout(cfg keyring.Config, timeout time.Duration) (keyring.Keyring, error) {
	type result struct {
		ring keyring.Keyring
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		ring, err := keyringOpenFunc(cfg)
		ch <- result{ring, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("open keyring: %w", res.err)
		}
		return res.ring, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %v; set %s=file and %s to use the encrypted file keyring",
			errKeyringTimeout, timeout, keyringBackendEnv, keyringPasswordEnv)
	}
}

func SetSecret(key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errMissingSecretKey
	}

	ring, err := openKeyringFunc()
	if err != nil {
		return err
	}
	item := keyring.Item{Key: key, Data: value, Label: config.AppName}
	if err := ring.Set(item); err != nil {
		return wrapKeychainError(fmt.Errorf("store secret: %w", err))
	}
	return nil
}

func GetSecret(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errMissingSecretKey
	}

	ring, err := openKeyringFunc()
	if err != nil {
		return nil, err
	}
	item, err := ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, wrapKeychainError(fmt.Errorf("read secret: %w", err))
	}
	return item.Data, nil
}

func DeleteSecret(key string) error {
	ring, err := openKeyringFunc()
	if err != nil {
		return err
	}
	if err := ring.Remove(strings.TrimSpace(key)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return wrapKeychainError(fmt.Errorf("remove secret: %w", err))
	}
	return nil
}

// SetPassword stores the mail account password for username. Usernames are
// case-insensitive.
func SetPassword(username, password string) error {
	user := normalize(username)
	if user == "" {
		return errMissingUsername
	}
	if password == "" {
		return errMissingPassword
	}
	return SetSecret(passwordKey(user), []byte(password))
}

func GetPassword(username string) (string, error) {
	user := normalize(username)
	if user == "" {
		return "", errMissingUsername
	}
	data, err := GetSecret(passwordKey(user))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DeletePassword(username string) error {
	user := normalize(username)
	if user == "" {
		return errMissingUsername
	}
	return DeleteSecret(passwordKey(user))
}

func passwordKey(username string) string {
	return "account:password:" + username
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
