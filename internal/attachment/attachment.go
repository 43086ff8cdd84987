// Package attachment stores attachment payloads in one of two tiers: small
// payloads inline in the database row, larger ones on disk with only the path
// kept in the row. Callers read both tiers through the same API.
package attachment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsync/internal/config"
	"mailsync/internal/mailerr"
	"mailsync/internal/store"
)

const (
	DefaultInlineThreshold int64 = 1 << 20
	DefaultMaxBlobFallback int64 = 8 << 20
)

// ErrDropped is returned when a payload could neither be written to disk
// nor kept inline.
var ErrDropped = errors.New("attachment dropped")

// Meta describes an attachment independently of where its bytes live.
type Meta struct {
	Filename    string
	ContentType string
	IsInline    bool
	ContentID   string
}

// Locator points at stored bytes. Exactly one of Blob or Path is set.
type Locator struct {
	Blob []byte
	Path string
}

type Store struct {
	dir             string
	threshold       int64
	maxBlobFallback int64
	log             zerolog.Logger
	now             func() time.Time
}

func New(cfg config.AttachmentConfig, logger zerolog.Logger) *Store {
	threshold := cfg.InlineThreshold
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}
	fallback := cfg.MaxBlobFallback
	if fallback <= 0 {
		fallback = DefaultMaxBlobFallback
	}
	return &Store{
		dir:             cfg.Dir,
		threshold:       threshold,
		maxBlobFallback: fallback,
		log:             logger.With().Str("component", "attachments").Logger(),
		now:             time.Now,
	}
}

// Store places data in the blob tier when it fits the threshold and on disk
// otherwise. A failed disk write falls back to the blob tier when data fits
// the fallback bound; the returned error is then a *mailerr.StorageError
// alongside a usable locator. When data does not fit either, the locator is
// empty and the error wraps ErrDropped.
func (s *Store) Store(data []byte, meta Meta) (Locator, error) {
	if int64(len(data)) <= s.threshold {
		return Locator{Blob: cloneBytes(data)}, nil
	}

	path, err := s.writeFile(data, meta.Filename)
	if err == nil {
		return Locator{Path: path}, nil
	}

	storageErr := &mailerr.StorageError{Path: path, Err: err}
	if int64(len(data)) <= s.maxBlobFallback {
		s.log.Warn().Err(err).Str("filename", meta.Filename).Int("size", len(data)).Msg("Disk write failed, storing attachment inline")
		return Locator{Blob: cloneBytes(data)}, storageErr
	}
	s.log.Warn().Err(err).Str("filename", meta.Filename).Int("size", len(data)).Msg("Disk write failed, dropping attachment")
	return Locator{}, fmt.Errorf("%w: %w", ErrDropped, storageErr)
}

func (s *Store) writeFile(data []byte, filename string) (string, error) {
	now := s.now()
	dir := filepath.Join(s.dir, now.Format("2006"), now.Format("01"))
	path := filepath.Join(dir, uuid.New().String()+"-"+SanitizeFilename(filename))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return path, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return path, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return path, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return path, err
	}
	return path, nil
}

// Read returns the stored bytes regardless of tier.
func (s *Store) Read(loc Locator) ([]byte, error) {
	if loc.Path == "" {
		return cloneBytes(loc.Blob), nil
	}
	data, err := os.ReadFile(loc.Path)
	if err != nil {
		return nil, &mailerr.StorageError{Path: loc.Path, Err: err}
	}
	return data, nil
}

// Remove deletes the disk file behind loc, if any.
func (s *Store) Remove(loc Locator) error {
	if loc.Path == "" {
		return nil
	}
	if err := os.Remove(loc.Path); err != nil && !os.IsNotExist(err) {
		return &mailerr.StorageError{Path: loc.Path, Err: err}
	}
	return nil
}

// Row builds the attachment row for a stored payload.
func Row(loc Locator, meta Meta, size int) store.Attachment {
	return store.Attachment{
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
		Size:        int64(size),
		IsInline:    meta.IsInline,
		ContentID:   meta.ContentID,
		Content:     loc.Blob,
		FilePath:    loc.Path,
	}
}

// LocatorOf returns the locator stored in an attachment row.
func LocatorOf(a store.Attachment) Locator {
	return Locator{Blob: a.Content, Path: a.FilePath}
}

// SanitizeFilename keeps a filename safe to use as a single path element.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0:
			return -1
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" {
		return "attachment"
	}
	if r := []rune(name); len(r) > 100 {
		name = string(r[len(r)-100:])
	}
	return name
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
