package webhookpost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"
)

// Messenger is the narrow webhook surface the poster needs; the discordgo
// implementation is the production backend.
type Messenger interface {
	// Hash identifies the webhook; a rotated webhook yields a new hash.
	Hash() string
	// Post sends one message and returns its remote id.
	Post(ctx context.Context, embeds []*discordgo.MessageEmbed, files []*discordgo.File) (string, error)
	// Edit replaces the embeds of an existing message.
	Edit(ctx context.Context, messageID string, embeds []*discordgo.MessageEmbed) error
	// Delete removes one message.
	Delete(ctx context.Context, messageID string) error
	// Fetch returns one message.
	Fetch(ctx context.Context, messageID string) (*discordgo.Message, error)
}

type discordMessenger struct {
	session *discordgo.Session
	id      string
	token   string
	hash    string
}

// NewDiscordMessenger builds a Messenger from a webhook URL of the form
// .../api/webhooks/<id>/<token>.
func NewDiscordMessenger(webhookURL string) (Messenger, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook endpoints are authenticated by the webhook token itself.
	session, err := discordgo.New("")
	if err != nil {
		return nil, errors.Wrap(err, "failed to build discord session")
	}
	return &discordMessenger{
		session: session,
		id:      id,
		token:   token,
		hash:    WebhookHash(webhookURL),
	}, nil
}

// WebhookHash is a stable non-reversible identity for a webhook URL.
func WebhookHash(webhookURL string) string {
	sum := sha256.Sum256([]byte(webhookURL))
	return hex.EncodeToString(sum[:8])
}

func parseWebhookURL(raw string) (id, token string, err error) {
	idx := strings.Index(raw, "/webhooks/")
	if idx < 0 {
		return "", "", envelope.Validation("webhook URL is not a discord webhook").
			WithHint("expected .../api/webhooks/<id>/<token>")
	}
	parts := strings.Split(strings.Trim(raw[idx+len("/webhooks/"):], "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", envelope.Validation("webhook URL is missing the id or token segment").
			WithHint("expected .../api/webhooks/<id>/<token>")
	}
	return parts[0], parts[1], nil
}

func (m *discordMessenger) Hash() string { return m.hash }

func (m *discordMessenger) Post(ctx context.Context, embeds []*discordgo.MessageEmbed, files []*discordgo.File) (string, error) {
	msg, err := m.session.WebhookExecute(m.id, m.token, true, &discordgo.WebhookParams{
		Embeds: embeds,
		Files:  files,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyDiscord(err)
	}
	return msg.ID, nil
}

func (m *discordMessenger) Edit(ctx context.Context, messageID string, embeds []*discordgo.MessageEmbed) error {
	_, err := m.session.WebhookMessageEdit(m.id, m.token, messageID, &discordgo.WebhookEdit{
		Embeds: &embeds,
	}, discordgo.WithContext(ctx))
	return classifyDiscord(err)
}

func (m *discordMessenger) Delete(ctx context.Context, messageID string) error {
	return classifyDiscord(m.session.WebhookMessageDelete(m.id, m.token, messageID, discordgo.WithContext(ctx)))
}

func (m *discordMessenger) Fetch(ctx context.Context, messageID string) (*discordgo.Message, error) {
	msg, err := m.session.WebhookMessage(m.id, m.token, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyDiscord(err)
	}
	return msg, nil
}

func classifyDiscord(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		kind := envelope.KindFromStatus(rerr.Response.StatusCode)
		e := envelope.Wrap(kind, err, "discord returned %d", rerr.Response.StatusCode).
			WithField("status", rerr.Response.StatusCode)
		if kind == envelope.KindRateLimit {
			e = e.WithHint("discord rate limits webhooks to 30 requests per minute")
		}
		return e
	}
	return envelope.Wrap(envelope.KindRemote, err, "discord webhook request failed")
}
