// Package render turns report rows into a markdown table and an HTML page.
package render

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

// Title is the report heading.
const Title = "Clean Mergeable PRs"

// Error reports a row that cannot be rendered or a failed conversion.
type Error struct {
	Err   error
	Field string
	Row   int
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("render: %v", e.Err)
	}
	return fmt.Sprintf("render: row %d: invalid %s: %v", e.Row, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Output is the rendered form of one report.
type Output struct {
	Markdown string
	HTML     []byte
}

// Renderer converts rows to markdown and HTML. It is safe for concurrent use.
type Renderer struct {
	md   goldmark.Markdown
	page *template.Template
}

// New creates a Renderer with GitHub-flavoured markdown and hard line breaks.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				gmhtml.WithHardWraps(),
				// Link cells carry raw anchors.
				gmhtml.WithUnsafe(),
			),
		),
		page: template.Must(template.New("page").Parse(pageTemplate)),
	}
}

// Render produces the markdown table and the HTML page for rows.
func (r *Renderer) Render(rows []types.ReportRow, generatedAt time.Time) (Output, error) {
	md, err := Markdown(rows)
	if err != nil {
		return Output{}, err
	}

	var body bytes.Buffer
	if err := r.md.Convert([]byte(md), &body); err != nil {
		return Output{}, &Error{Err: fmt.Errorf("converting markdown: %w", err)}
	}

	var out bytes.Buffer
	err = r.page.Execute(&out, pageData{
		Title:       Title,
		Body:        template.HTML(body.String()), //nolint:gosec // produced by goldmark from escaped cells
		GeneratedAt: generatedAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return Output{}, &Error{Err: fmt.Errorf("executing page template: %w", err)}
	}

	return Output{Markdown: md, HTML: out.Bytes()}, nil
}

// Markdown renders rows as a markdown table under the report heading.
func Markdown(rows []types.ReportRow) (string, error) {
	var b strings.Builder
	b.WriteString("# " + Title + "\n\n")
	b.WriteString("| Org | Repo | PR # | Title | Hours Open | Link |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- |\n")

	for i, row := range rows {
		if err := validate(row); err != nil {
			err.Row = i
			return "", err
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %.2f | <a href=\"%s\" target=\"_blank\">View</a> |\n",
			cell(row.Org), cell(row.Repo), row.Number, cell(row.Title), row.HoursOpen, html.EscapeString(row.URL))
	}
	return b.String(), nil
}

func validate(row types.ReportRow) *Error {
	switch {
	case strings.TrimSpace(row.Org) == "":
		return &Error{Field: "org", Err: fmt.Errorf("empty")}
	case strings.TrimSpace(row.Repo) == "":
		return &Error{Field: "repo", Err: fmt.Errorf("empty")}
	case row.Number <= 0:
		return &Error{Field: "number", Err: fmt.Errorf("%d is not positive", row.Number)}
	}
	u, err := url.Parse(row.URL)
	if err != nil {
		return &Error{Field: "url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{Field: "url", Err: fmt.Errorf("%q is not an http(s) URL", row.URL)}
	}
	return nil
}

// cell escapes text for a single markdown table cell.
func cell(s string) string {
	s = html.EscapeString(s)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

type pageData struct {
	Title       string
	Body        template.HTML
	GeneratedAt string
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8" />
<meta name="viewport" content="width=device-width, initial-scale=1.0"/>
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://unpkg.com/github-markdown-css/github-markdown.css">
<style>
body {
  background: #f6f8fa;
  padding: 20px;
}
.markdown-body {
  box-sizing: border-box;
  min-width: 200px;
  max-width: 900px;
  margin: 0 auto;
  padding: 45px;
  border-radius: 6px;
  font-family: Arial, sans-serif;
}
.generated {
  color: #57606a;
  font-size: 12px;
}
</style>
</head>
<body>
  <article class="markdown-body">
{{.Body}}
    <p class="generated">Generated {{.GeneratedAt}}</p>
  </article>
</body>
</html>
`
