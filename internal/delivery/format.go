package delivery

import (
	"fmt"
	"strings"

	"oppbot/internal/storage"
)

// FormatMessage renders the outbound notification for one opportunity.
// Plain text; the channel adapter decides parse mode.
func FormatMessage(opp storage.Opportunity, it storage.QueueItem) string {
	var b strings.Builder

	marker := ""
	if it.Priority == storage.PriorityHigh {
		marker = "HIGH VALUE "
	}
	fmt.Fprintf(&b, "%s[%s] %s\n", marker, opp.Category, opp.Title)
	fmt.Fprintf(&b, "Source: %s", opp.Source)
	if opp.SubContext != "" {
		fmt.Fprintf(&b, " (%s)", opp.SubContext)
	}
	fmt.Fprintf(&b, " · score %d\n", opp.Score)

	if opp.Reasoning != "" {
		fmt.Fprintf(&b, "\n%s\n", opp.Reasoning)
	}
	if opp.Permalink != "" {
		fmt.Fprintf(&b, "\n%s\n", opp.Permalink)
	}
	if opp.ReplyText != "" {
		fmt.Fprintf(&b, "\nSuggested reply:\n%s\n", opp.ReplyText)
	}
	return strings.TrimRight(b.String(), "\n")
}
