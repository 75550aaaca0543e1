package entities

import (
	"fmt"
	"strings"
)

// ExportTranscript renders a conversation as a markdown transcript.
// Soft-deleted messages are skipped; edit and regeneration annotations are
// kept; aggregate token counts by role are appended when metrics exist.
func ExportTranscript(c *ConversationRecord) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n", c.Title)
	fmt.Fprintf(&sb, "Date: %s\n\n", c.Date.Format("2006-01-02 15:04:05"))

	var totalTokens, userTokens, assistantTokens int

	for _, msg := range c.Messages {
		if msg.Deleted {
			continue
		}

		label := "Assistant"
		if msg.Role == RoleUser {
			label = "You"
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", label, msg.Content)

		if msg.Metrics != nil && msg.Metrics.Tokens > 0 {
			if msg.Role == RoleUser {
				userTokens += msg.Metrics.Tokens
			} else {
				assistantTokens += msg.Metrics.Tokens
			}
			totalTokens += msg.Metrics.Tokens
		}

		if msg.Edited && msg.EditTimestamp != nil {
			fmt.Fprintf(&sb, "*(Edited %s)*\n\n", msg.EditTimestamp.Format("2006-01-02 15:04:05"))
		}
		if msg.Regenerated && msg.RegenerateTime != nil {
			fmt.Fprintf(&sb, "*(Regenerated %s)*\n\n", msg.RegenerateTime.Format("2006-01-02 15:04:05"))
		}
	}

	if totalTokens > 0 {
		sb.WriteString("\n## Statistics\n\n")
		fmt.Fprintf(&sb, "- Total tokens: %d\n", totalTokens)
		fmt.Fprintf(&sb, "- User tokens: %d\n", userTokens)
		fmt.Fprintf(&sb, "- Assistant tokens: %d\n", assistantTokens)
	}

	return sb.String()
}
