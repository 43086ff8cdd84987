package folders

import (
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"
)

type Role string

const (
	RoleInbox   Role = "inbox"
	RoleSent    Role = "sent"
	RoleDrafts  Role = "drafts"
	RoleTrash   Role = "trash"
	RoleSpam    Role = "spam"
	RoleArchive Role = "archive"
	RoleCustom  Role = "custom"
)

// IsSystem is true for every role except custom.
func (r Role) IsSystem() bool { return r != RoleCustom && r != "" }

type roleSpec struct {
	role  Role
	attrs []string
	names []string
}

// roleTable maps each standard role to its RFC 6154 special-use attributes
// and the provider and locale specific names it is known by. Names are
// lower case and compared against both the full path and the leaf.
var roleTable = []roleSpec{
	{
		role:  RoleInbox,
		names: []string{"inbox"},
	},
	{
		role:  RoleSent,
		attrs: []string{goimap.SentAttr},
		names: []string{
			"sent", "sent items", "sent messages", "sent mail", "sent-mail",
			"[gmail]/sent mail", "[google mail]/sent mail", "inbox.sent",
			"gesendet", "gesendete objekte", "gesendete elemente",
			"envoyés", "messages envoyés", "éléments envoyés",
			"enviados", "elementos enviados", "posta inviata", "inviati", "verzonden",
			"已发送", "已发送邮件", "寄件备份",
		},
	},
	{
		role:  RoleDrafts,
		attrs: []string{goimap.DraftsAttr},
		names: []string{
			"drafts", "draft", "[gmail]/drafts", "[google mail]/drafts", "inbox.drafts",
			"entwürfe", "brouillons", "borradores", "bozze", "concepten",
			"草稿箱", "草稿",
		},
	},
	{
		role:  RoleTrash,
		attrs: []string{goimap.TrashAttr},
		names: []string{
			"trash", "deleted items", "deleted messages", "bin",
			"[gmail]/trash", "[google mail]/trash", "[gmail]/bin", "inbox.trash",
			"papierkorb", "gelöschte objekte", "gelöschte elemente",
			"corbeille", "papelera", "cestino", "prullenbak",
			"已删除", "已删除邮件",
		},
	},
	{
		role:  RoleSpam,
		attrs: []string{goimap.JunkAttr},
		names: []string{
			"spam", "junk", "junk e-mail", "junk email", "junk mail", "bulk mail",
			"[gmail]/spam", "[google mail]/spam", "inbox.spam", "inbox.junk",
			"spamverdacht", "courrier indésirable", "correo no deseado", "posta indesiderata",
			"垃圾邮件", "垃圾箱",
		},
	},
	{
		role:  RoleArchive,
		attrs: []string{goimap.ArchiveAttr, goimap.AllAttr},
		names: []string{
			"archive", "archives", "all mail", "[gmail]/all mail", "[google mail]/all mail",
			"inbox.archive", "archiv", "archivio", "archivo",
		},
	},
}

// ResolveRole classifies a remote folder. Special-use attributes win over
// names.
func ResolveRole(name, delimiter string, attrs []string) Role {
	for _, spec := range roleTable {
		for _, want := range spec.attrs {
			for _, got := range attrs {
				if strings.EqualFold(want, got) {
					return spec.role
				}
			}
		}
	}

	name = decodeName(name)
	full := strings.ToLower(name)
	leaf := strings.ToLower(Leaf(name, delimiter))
	for _, spec := range roleTable {
		for _, candidate := range spec.names {
			if full == candidate || leaf == candidate {
				return spec.role
			}
		}
	}
	return RoleCustom
}

// Lookup returns the candidate names for role, most common first.
func Lookup(role Role) []string {
	for _, spec := range roleTable {
		if spec.role == role {
			return append([]string(nil), spec.names...)
		}
	}
	return nil
}

var providerPrefixes = []string{"[gmail]/", "[google mail]/", "inbox.", "inbox/"}

// DisplayName is the human facing leaf of name, without provider prefixes
// and with modified UTF-7 decoded.
func DisplayName(name, delimiter string) string {
	name = decodeName(name)
	lower := strings.ToLower(name)
	for _, p := range providerPrefixes {
		if strings.HasPrefix(lower, p) && len(name) > len(p) {
			name = name[len(p):]
			break
		}
	}
	return Leaf(name, delimiter)
}

// Leaf is the path element after the last delimiter.
func Leaf(name, delimiter string) string {
	if delimiter == "" {
		return name
	}
	if i := strings.LastIndex(name, delimiter); i >= 0 {
		return name[i+len(delimiter):]
	}
	return name
}

// Parent is the path before the last delimiter, or "" at the top level.
func Parent(name, delimiter string) string {
	if delimiter == "" {
		return ""
	}
	if i := strings.LastIndex(name, delimiter); i >= 0 {
		return name[:i]
	}
	return ""
}

// decodeName decodes a modified UTF-7 mailbox name such as &XfJT0ZAB-.
// Names that are already plain text are returned unchanged.
func decodeName(name string) string {
	if !strings.Contains(name, "&") {
		return name
	}
	decoded, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return decoded
}
