package imapmail

import (
	"strings"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/envelope"
)

// provider describes one mail provider: where to connect and how logical
// folder aliases map to its folder names. Unknown aliases pass through
// unchanged so callers can target exact folder names.
type provider struct {
	name        string
	defaultAddr string
	aliases     map[string]string
	needsServer bool
}

var providers = map[string]*provider{
	"gmail": {
		name:        "gmail",
		defaultAddr: "imap.gmail.com:993",
		aliases: map[string]string{
			"inbox":   "INBOX",
			"sent":    "[Gmail]/Sent Mail",
			"trash":   "[Gmail]/Trash",
			"spam":    "[Gmail]/Spam",
			"drafts":  "[Gmail]/Drafts",
			"archive": "[Gmail]/All Mail",
			"starred": "[Gmail]/Starred",
		},
	},
	"outlook": {
		name:        "outlook",
		defaultAddr: "outlook.office365.com:993",
		aliases: map[string]string{
			"inbox":  "INBOX",
			"sent":   "Sent",
			"trash":  "Deleted",
			"spam":   "Junk",
			"drafts": "Drafts",
		},
	},
	"custom": {
		name:        "custom",
		needsServer: true,
		aliases: map[string]string{
			"inbox": "INBOX",
		},
	},
}

func providerByName(name string) (*provider, error) {
	p, ok := providers[strings.ToLower(name)]
	if !ok {
		return nil, envelope.Validation("unknown mail provider %q", name).
			WithHint("valid providers: gmail, outlook, custom")
	}
	return p, nil
}

// Profile returns the credential bundle for the provider, resolved from
// IMAP_<PROVIDER>_* environment variables.
func (p *provider) Profile() creds.Profile {
	fields := []creds.Field{
		creds.Setting("email"),
		creds.Secret("password"),
	}
	if p.needsServer {
		fields = append(fields, creds.Setting("server"), creds.OptionalSetting("port"))
	}
	return creds.Profile{Tool: "IMAP", Provider: strings.ToUpper(p.name), Fields: fields}
}

// Addr returns the server address for the resolved credentials.
func (p *provider) Addr(res creds.Resolved) string {
	if p.needsServer {
		addr := res["server"]
		if port := res["port"]; port != "" && !strings.Contains(addr, ":") {
			addr += ":" + port
		} else if !strings.Contains(addr, ":") {
			addr += ":993"
		}
		return addr
	}
	return p.defaultAddr
}

// Folder resolves a logical alias to the provider folder name.
func (p *provider) Folder(alias string) string {
	if mapped, ok := p.aliases[strings.ToLower(alias)]; ok {
		return mapped
	}
	return alias
}
