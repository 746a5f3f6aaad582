package chat

import (
	"fmt"
	"strings"

	"github.com/user/researchview/internal/markdown"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

// Transcript renders a stored session as a markdown document: the question,
// the assembled report, the cited sources and the follow-up thread.
func Transcript(s *types.SessionRecord) (string, error) {
	var b strings.Builder

	question := s.Question
	if question == "" {
		question = string(s.ID)
	}
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(question))
	if !s.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "_Session %s, %s_\n\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04"))
	}

	report, err := markdown.Normalize(timeline.CollectReport(s.Timeline))
	if err != nil {
		return "", fmt.Errorf("normalize report: %w", err)
	}
	if report = strings.TrimSpace(report); report != "" {
		b.WriteString(report)
		b.WriteString("\n\n")
	}

	if sources := timeline.CollectSources(s.Timeline); len(sources) > 0 {
		b.WriteString("## Sources\n\n")
		for _, src := range sources {
			name := src.Name
			if name == "" {
				name = src.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", name, src.URL)
		}
		b.WriteString("\n")
	}

	thread := DeriveThread(s.Timeline)
	if len(thread) > 0 {
		b.WriteString("## Follow-up\n\n")
	}
	for _, msg := range thread {
		content, err := markdown.Normalize(msg.Content)
		if err != nil {
			return "", fmt.Errorf("normalize message %d: %w", msg.Seq, err)
		}
		content = strings.TrimSpace(content)
		if msg.Type == types.KindQuestion {
			fmt.Fprintf(&b, "**Q:** %s\n\n", content)
			continue
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
