package distribute

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ienone/VaultStream-sub003/internal/capability"
	"github.com/ienone/VaultStream-sub003/internal/models"
)

const maxBodyRunes = 900

// RenderPayload turns a content record into the delivery payload. The result
// is cached on the intent because multiple rules may push the same content to
// targets of the same type.
func RenderPayload(c models.Content) capability.Payload {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n")
	}
	if c.Author != "" {
		fmt.Fprintf(&b, "by %s\n", c.Author)
	}
	if body := truncate(c.Body, maxBodyRunes); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	if len(c.Tags) > 0 {
		b.WriteString("\n")
		for i, t := range c.Tags {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString("#")
			b.WriteString(t)
		}
		b.WriteString("\n")
	}
	if c.SourceURL != "" {
		b.WriteString("\n")
		b.WriteString(c.SourceURL)
	}
	return capability.Payload{
		Text:      strings.TrimSpace(b.String()),
		MediaURLs: c.MediaURLs,
	}
}

// EncodePayload serializes a payload for the intent's render cache.
func EncodePayload(p capability.Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(body), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) (capability.Payload, error) {
	var p capability.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return capability.Payload{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
