package mime

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func init() {
	// Aliases seen in the wild that the default index misses.
	charset.RegisterEncoding("ascii", unicode.UTF8)
	charset.RegisterEncoding("us-ascii", unicode.UTF8)
	charset.RegisterEncoding("cp1252", charmap.Windows1252)
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("latin1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
}

// DecodeText turns bytes of unknown or mislabelled encoding into valid
// UTF-8. Candidates are tried in order: UTF-8, Latin-1 (rejected when the
// input holds C1 control bytes), Windows-1252 (rejected when a byte has no
// mapping), and finally ASCII with every other byte replaced by '?'.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if !hasC1(b) {
		if s, err := charmap.ISO8859_1.NewDecoder().Bytes(b); err == nil {
			return string(s)
		}
	}
	if s, err := charmap.Windows1252.NewDecoder().Bytes(b); err == nil && !strings.ContainsRune(string(s), utf8.RuneError) {
		return string(s)
	}
	return asciiLossy(b)
}

func hasC1(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 && c <= 0x9f {
			return true
		}
	}
	return false
}

func asciiLossy(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x80 {
			out[i] = c
		} else {
			out[i] = '?'
		}
	}
	return string(out)
}

// Truncate cuts s to at most limit characters. A non-positive limit keeps s
// whole.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
