package plot

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"
)

const (
	DefaultTemplate = `{{if .caption}}{{.caption}}{{else}}{{.model}} with {{.chemistry}} parameters{{if .experiment}}: {{.experiment}}{{end}}{{end}}`
	DefaultLimit    = 280

	threadMarker = " \U0001F53D"
)

// Caption is the text of a post and, when the text had to be shortened, the
// detail moved into a follow-up reply.
type Caption struct {
	Text     string
	FollowUp string
}

// Captioner renders post text from renderer metadata.
type Captioner struct {
	tmpl  *template.Template
	link  string
	limit int
}

// NewCaptioner parses text as a text/template executed over the metadata
// map. link is appended to every caption. limit is the maximum length in
// characters; 0 means DefaultLimit.
func NewCaptioner(text, link string, limit int) (*Captioner, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	tmpl, err := template.New("caption").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse caption template: %w", err)
	}
	return &Captioner{tmpl: tmpl, link: strings.TrimSpace(link), limit: limit}, nil
}

// Caption renders meta. A caption that does not fit is cut at its first
// colon and marked as a thread; the rest goes to FollowUp, preferring the
// renderer's "experiment" field.
func (c *Captioner) Caption(meta map[string]any) (Caption, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	var b bytes.Buffer
	if err := c.tmpl.Execute(&b, meta); err != nil {
		return Caption{}, fmt.Errorf("render caption: %w", err)
	}
	text := strings.Join(strings.Fields(strings.ReplaceAll(b.String(), "<no value>", "")), " ")
	if text == "" {
		return Caption{}, fmt.Errorf("caption template produced empty text")
	}

	var out Caption
	if utf8.RuneCountInString(c.withLink(text)) > c.limit {
		head, rest, _ := strings.Cut(text, ":")
		out.FollowUp = strings.TrimSpace(rest)
		if exp, ok := meta["experiment"].(string); ok && strings.TrimSpace(exp) != "" {
			out.FollowUp = strings.TrimSpace(exp)
		}
		text = strings.TrimSpace(head) + threadMarker
		if n := c.limit - utf8.RuneCountInString(c.withLink("")); utf8.RuneCountInString(text) > n {
			text = truncateRunes(text, n)
		}
	}
	out.Text = c.withLink(text)
	return out, nil
}

func (c *Captioner) withLink(text string) string {
	if c.link == "" {
		return text
	}
	if text == "" {
		return " " + c.link
	}
	return text + " " + c.link
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}
