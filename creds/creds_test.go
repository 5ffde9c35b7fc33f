package creds_test

import (
	"testing"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Resolve(t *testing.T) {
	t.Setenv("IMAP_GMAIL_EMAIL", "user@gmail.com")
	t.Setenv("IMAP_GMAIL_PASSWORD", "app-password-123")

	r := creds.NewResolver()
	p := creds.Profile{
		Tool:     "imap",
		Provider: "gmail",
		Fields: []creds.Field{
			creds.Setting("email"),
			creds.Secret("password"),
			creds.OptionalSetting("server"),
		},
	}

	res, err := r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "user@gmail.com", res["email"])
	assert.Equal(t, "app-password-123", res["password"])
	_, hasServer := res["server"]
	assert.False(t, hasServer)

	// secret registered with the redactor, setting not
	red := r.Redactor()
	assert.Equal(t, "login with ***", red.Redact("login with app-password-123"))
	assert.Equal(t, "from user@gmail.com", red.Redact("from user@gmail.com"))
}

func Test_Resolve_Missing(t *testing.T) {
	r := creds.NewResolver(creds.WithLookup(func(string) (string, bool) { return "", false }))

	_, err := r.Resolve(creds.Profile{
		Tool:   "discord",
		Fields: []creds.Field{creds.Secret("bot_token")},
	})
	require.Error(t, err)

	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindAuthentication, e.Kind)
	assert.Contains(t, e.Hint, "DISCORD_BOT_TOKEN")
}

func Test_Resolve_Cached(t *testing.T) {
	calls := 0
	r := creds.NewResolver(creds.WithLookup(func(name string) (string, bool) {
		calls++
		return "value-" + name, true
	}))
	p := creds.Profile{Tool: "github", Fields: []creds.Field{creds.Secret("token")}}

	_, err := r.Resolve(p)
	require.NoError(t, err)
	_, err = r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func Test_Redactor(t *testing.T) {
	red := creds.NewRedactor()
	red.Add("SECRET123")
	red.Add("ab") // too short, ignored

	assert.Equal(t, "token=***&x=ab", red.Redact("token=SECRET123&x=ab"))

	v := red.RedactAny(map[string]any{
		"cmd":   "curl -H 'Authorization: SECRET123'",
		"count": 2,
		"list":  []any{"SECRET123", 1},
	})
	m := v.(map[string]any)
	assert.Equal(t, "curl -H 'Authorization: ***'", m["cmd"])
	assert.Equal(t, 2, m["count"])
	assert.Equal(t, "***", m["list"].([]any)[0])
}

func Test_ProfileKey(t *testing.T) {
	assert.Equal(t, "IMAP_GMAIL", creds.Profile{Tool: "imap", Provider: "gmail"}.Key())
	assert.Equal(t, "DISCORD", creds.Profile{Tool: "discord"}.Key())

	p := creds.Profile{Tool: "imap", Provider: "custom"}
	assert.Equal(t, "IMAP_CUSTOM_SERVER", p.EnvName(creds.Setting("server")))
	assert.Equal(t, "MY_TOKEN", p.EnvName(creds.Field{Name: "token", Env: "MY_TOKEN"}))
}
