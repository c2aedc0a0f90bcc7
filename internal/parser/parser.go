// Package parser turns imported Markdown files into note fields.
package parser

import (
	"bytes"
	"net/url"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	imageRe = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	embedRe = regexp.MustCompile(`!\[\[([^\]|]+)(?:\|[^\]]*)?\]\]`)
)

// Document is a parsed Markdown file.
type Document struct {
	Frontmatter map[string]any
	Title       string
	Body        string
	// Images lists local image references in order of first appearance.
	Images []string
}

// Parse splits off YAML frontmatter, derives the title and collects local
// image references. When the title comes from a leading H1 that heading is
// removed from the body.
func Parse(data []byte) (*Document, error) {
	fm, body := splitFrontmatter(data)
	title, body := deriveTitle(fm, body)
	return &Document{
		Frontmatter: fm,
		Title:       title,
		Body:        body,
		Images:      extractImages(body),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. Missing or invalid frontmatter leaves data as body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	var fm map[string]any
	if err := yaml.Unmarshal(rest[:idx], &fm); err != nil {
		return nil, string(data)
	}
	body := strings.TrimLeft(string(rest[idx+1+len(delim):]), "\n\r")
	return fm, body
}

// deriveTitle prefers the frontmatter "title", then a first-line H1.
func deriveTitle(fm map[string]any, body string) (string, string) {
	if s, ok := fm["title"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), body
	}
	first, rest, _ := strings.Cut(body, "\n")
	if h, ok := strings.CutPrefix(strings.TrimSpace(first), "# "); ok {
		return strings.TrimSpace(h), strings.TrimLeft(rest, "\n\r")
	}
	return "", body
}

// extractImages returns deduplicated local image paths from ![alt](path) and
// ![[path]] references. Remote URLs are skipped.
func extractImages(body string) []string {
	var refs []string
	for _, m := range imageRe.FindAllStringSubmatchIndex(body, -1) {
		refs = append(refs, body[m[2]:m[3]])
	}
	for _, m := range embedRe.FindAllStringSubmatchIndex(body, -1) {
		refs = append(refs, body[m[2]:m[3]])
	}

	seen := make(map[string]struct{}, len(refs))
	var out []string
	for _, raw := range refs {
		ref, ok := localPath(raw)
		if !ok {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func localPath(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	p := path.Clean(strings.TrimPrefix(raw, "./"))
	if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}
