// Package ingest provides ready-made workflow callables for a
// fetch -> extract -> render pipeline: download a URL, pull the
// readable article text out of its HTML, and render Markdown output
// back to HTML. They're registered under the "ingest." callable-ref
// prefix and exist to exercise steps/ingest's dependencies end-to-end
// in example workflows and integration tests.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/yuin/goldmark"

	workflows "github.com/Singularity-ng/singularity-workflows"
	"github.com/Singularity-ng/singularity-workflows/ingest"
)

// Register binds this package's callables into reg under their default
// refs: "ingest.fetch_extract", "ingest.extract_html",
// "ingest.render_markdown", "ingest.strip_html".
func Register(reg *workflows.Registry) *workflows.Registry {
	return reg.
		Register("ingest.fetch_extract", FetchExtract).
		Register("ingest.extract_html", ExtractHTML).
		Register("ingest.render_markdown", RenderMarkdown).
		Register("ingest.strip_html", StripHTML)
}

// fetchExtractInput is FetchExtract's input shape.
type fetchExtractInput struct {
	URL     string `json:"url"`
	Timeout int    `json:"timeout_s"`
}

// fetchExtractOutput is FetchExtract's output shape.
type fetchExtractOutput struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	Text    string `json:"text"`
	SiteName string `json:"site_name"`
}

// FetchExtract downloads input.url and extracts the page's readable
// article text with go-readability, the same technique a read-it-later
// service uses to strip navigation/ads/chrome from a page.
func FetchExtract(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in fetchExtractInput
	if err := json.Unmarshal(input, &in); err != nil {
		return workflows.Err(fmt.Errorf("ingest: fetch_extract: decode input: %w", err))
	}
	if in.URL == "" {
		return workflows.Err(fmt.Errorf("ingest: fetch_extract: url is required"))
	}
	timeout := time.Duration(in.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	article, err := readability.FromURL(in.URL, timeout)
	if err != nil {
		return workflows.Err(fmt.Errorf("ingest: fetch_extract: %w", err))
	}

	return workflows.Ok(fetchExtractOutput{
		Title:    article.Title,
		Excerpt:  article.Excerpt,
		Text:     article.TextContent,
		SiteName: article.SiteName,
	})
}

// extractHTMLInput is ExtractHTML's input shape.
type extractHTMLInput struct {
	HTML    string `json:"html"`
	BaseURL string `json:"base_url"`
}

// ExtractHTML extracts readable article text from already-fetched
// HTML, for map steps that fetch many pages up front and extract each
// locally instead of refetching per task.
func ExtractHTML(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in extractHTMLInput
	if err := json.Unmarshal(input, &in); err != nil {
		return workflows.Err(fmt.Errorf("ingest: extract_html: decode input: %w", err))
	}

	article, err := readability.FromReader(bytes.NewReader([]byte(in.HTML)), nil)
	if err != nil {
		return workflows.Err(fmt.Errorf("ingest: extract_html: %w", err))
	}

	return workflows.Ok(fetchExtractOutput{
		Title:    article.Title,
		Excerpt:  article.Excerpt,
		Text:     article.TextContent,
		SiteName: article.SiteName,
	})
}

// renderMarkdownInput is RenderMarkdown's input shape.
type renderMarkdownInput struct {
	Markdown string `json:"markdown"`
}

// RenderMarkdown converts input.markdown to HTML with goldmark, the
// reverse direction of FetchExtract/ExtractHTML — for steps that
// produce a report in Markdown and need HTML for delivery.
func RenderMarkdown(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in renderMarkdownInput
	if err := json.Unmarshal(input, &in); err != nil {
		return workflows.Err(fmt.Errorf("ingest: render_markdown: decode input: %w", err))
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(in.Markdown), &buf); err != nil {
		return workflows.Err(fmt.Errorf("ingest: render_markdown: %w", err))
	}

	return workflows.Ok(map[string]string{"html": buf.String()})
}

// stripHTMLInput is StripHTML's input shape.
type stripHTMLInput struct {
	HTML string `json:"html"`
}

// StripHTML reduces input.html to plain text using the ingest
// package's tag-stripping extractor, for steps that want raw text
// rather than go-readability's article-detection heuristics.
func StripHTML(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in stripHTMLInput
	if err := json.Unmarshal(input, &in); err != nil {
		return workflows.Err(fmt.Errorf("ingest: strip_html: decode input: %w", err))
	}
	return workflows.Ok(map[string]string{"text": ingest.StripHTML(in.HTML)})
}
