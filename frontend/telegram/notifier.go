// Package telegram sends workflow run completion notifications to a
// Telegram chat, rendering the run's markdown-formatted summary through
// the bot API's HTML parse mode.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Singularity-ng/singularity-workflows"
)

// Notifier implements workflows.Notifier by posting a formatted message
// to a fixed Telegram chat for every terminal run.
type Notifier struct {
	client *http.Client
	token  string
	chatID int64
}

// NewNotifier returns a Notifier that posts to chatID using botToken.
func NewNotifier(botToken string, chatID int64) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		token:  botToken,
		chatID: chatID,
	}
}

// Notify sends summary as a Telegram message. Errors are discarded:
// they are neither returned nor logged, so a failing sink never
// surfaces to the Worker.
func (n *Notifier) Notify(ctx context.Context, summary workflows.RunSummary) {
	text := renderSummary(summary)
	html := MarkdownToHTML(text)

	body, err := json.Marshal(map[string]any{
		"chat_id":    n.chatID,
		"text":       html,
		"parse_mode": "HTML",
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}

// splitMessage splits text into chunks of at most 4096 bytes (Telegram's
// message size limit), cutting just after the last newline inside a
// chunk when there is one.
func splitMessage(text string) []string {
	const maxLen = 4096
	var chunks []string
	for len(text) > maxLen {
		cut := strings.LastIndexByte(text[:maxLen], '\n') + 1
		if cut <= 1 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

func renderSummary(s workflows.RunSummary) string {
	if s.Status == workflows.RunCompleted {
		return fmt.Sprintf("**run `%s` completed**\n\nworkflow: `%s`\n\n```\n%s\n```", s.RunID, s.WorkflowSlug, string(s.Output))
	}
	return fmt.Sprintf("**run `%s` failed**\n\nworkflow: `%s`\n\nerror: %s", s.RunID, s.WorkflowSlug, s.Error)
}
