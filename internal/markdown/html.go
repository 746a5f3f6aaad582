// Package markdown provides the renderers that turn record text into
// display markup: sanitized HTML for the API and styled text for terminals.
package markdown

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/user/researchview/internal/types"
)

var _ types.Renderer = (*HTMLRenderer)(nil)

var (
	// htmlDocument matches text that opens with a block-level tag, the shape
	// of reports the backend sends as finished HTML.
	htmlDocument = regexp.MustCompile(`(?i)^\s*<(html|body|article|section|div|p|h[1-6]|ul|ol|table|blockquote|pre)[\s>]`)

	// markdownStructure matches a line that only makes sense as markdown.
	markdownStructure = regexp.MustCompile("(?m)^[ \\t]{0,3}(#{1,6}\\s|[-*+]\\s|\\d+[.)]\\s|```|~~~|>\\s?)")
)

// HTMLRenderer converts GitHub-flavoured markdown to HTML and sanitizes the
// result with a user-generated-content policy. Raw HTML mixed into the
// markdown is passed through to the sanitizer. It is safe for concurrent use.
type HTMLRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

func (r *HTMLRenderer) Render(ctx context.Context, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// Normalize turns a finished HTML document into markdown. Text that carries
// any markdown structure, including markdown with inline tags, is returned
// unchanged.
func Normalize(src string) (string, error) {
	if !htmlDocument.MatchString(src) || markdownStructure.MatchString(src) {
		return src, nil
	}
	return ToMarkdown(src)
}

// ToMarkdown converts HTML into markdown.
func ToMarkdown(html string) (string, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return md, nil
}
