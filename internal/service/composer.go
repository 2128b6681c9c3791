package service

import (
	"strings"

	"github.com/cloo-solutions/crewbot/internal/domain"
)

const (
	composeHeader     = "Here's what I found:"
	composeMaxResults = 3
	// ComposeSnippetMaxChars bounds each bullet's snippet, ellipsis included.
	ComposeSnippetMaxChars = 280
)

// Compose renders the top retrieval results as a short bulleted answer. The
// boolean is false when there is nothing to say, so callers can fall back instead
// of sending a blank reply.
func Compose(results domain.RetrievalResult) (string, bool) {
	if len(results) == 0 {
		return "", false
	}

	lines := make([]string, 0, composeMaxResults)
	for _, r := range results {
		if len(lines) == composeMaxResults {
			break
		}
		snippet := truncateText(r.Snippet, ComposeSnippetMaxChars)
		if snippet == "" {
			continue
		}
		title := strings.Join(strings.Fields(r.Title), " ")
		if title != "" {
			lines = append(lines, "• "+title+": "+snippet)
		} else {
			lines = append(lines, "• "+snippet)
		}
	}

	if len(lines) == 0 {
		return "", false
	}

	return composeHeader + "\n" + strings.Join(lines, "\n"), true
}
