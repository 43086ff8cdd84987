package imap

import (
	"strings"

	"github.com/emersion/go-imap"
)

// Mailbox is one LIST entry.
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// HasAttr reports whether the entry carries attr, ignoring case.
func (m Mailbox) HasAttr(attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Selectable is false for \Noselect and \NonExistent entries.
func (m Mailbox) Selectable() bool {
	return !m.HasAttr(imap.NoSelectAttr) && !m.HasAttr(`\NonExistent`)
}

// HasFlag reports whether flags contains flag, ignoring case.
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Seen reports whether flags contain \Seen.
func Seen(flags []string) bool {
	return HasFlag(flags, imap.SeenFlag)
}
