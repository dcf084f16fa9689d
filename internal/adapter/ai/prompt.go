// Package ai writes email replies with a language model.
package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"leadmark-worker/internal/entity"
)

const systemTemplate = `You answer inbound emails on behalf of %s.
Your goal for this mailbox: %s

Rules:
- Reply in the language of the sender's message.
- Write the body only, in Markdown. No subject line, no placeholders.
- Use the context below when it is relevant; never invent prices, dates or commitments that are not in it.
- Keep it short and end with a sign-off from %s.`

// BuildPrompt renders the system instruction and the user message for one
// reply.
func BuildPrompt(p entity.ReplyPrompt) (system, user string) {
	who := p.FullName
	if who == "" {
		who = "the mailbox owner"
	}
	objective := strings.TrimSpace(p.Objective)
	if objective == "" {
		objective = "answer helpfully and move the conversation forward."
	}
	system = fmt.Sprintf(systemTemplate, who, objective, who)
	if len(p.ObjectiveParsed) > 0 && string(p.ObjectiveParsed) != "null" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, p.ObjectiveParsed, "", "  "); err == nil {
			system += "\n\nStructured objective:\n" + pretty.String()
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sender: %s\n\n", p.Name)
	b.WriteString("Message:\n")
	b.WriteString(strings.TrimSpace(p.Text))
	if c := strings.TrimSpace(p.AttachmentContext); c != "" {
		b.WriteString("\n\n# Context\n\n")
		b.WriteString(c)
	}
	if c := strings.TrimSpace(p.LinksContext); c != "" {
		b.WriteString("\n\n# Referenced pages\n\n")
		b.WriteString(c)
	}
	return system, b.String()
}
