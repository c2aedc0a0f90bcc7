package parser

import (
	"reflect"
	"testing"
)

func TestParse_FrontmatterTitle(t *testing.T) {
	input := []byte("---\ntitle: Groceries\n---\n# Heading\nmilk eggs bread\n")
	d, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Title != "Groceries" {
		t.Errorf("title = %q, want %q", d.Title, "Groceries")
	}
	if d.Body != "# Heading\nmilk eggs bread\n" {
		t.Errorf("body = %q", d.Body)
	}
}

func TestParse_HeadingTitleIsRemovedFromBody(t *testing.T) {
	d, err := Parse([]byte("# Just a heading\n\nSome text.\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", d.Frontmatter)
	}
	if d.Title != "Just a heading" {
		t.Errorf("title = %q, want %q", d.Title, "Just a heading")
	}
	if d.Body != "Some text.\n" {
		t.Errorf("body = %q", d.Body)
	}
}

func TestParse_NoTitle(t *testing.T) {
	d, err := Parse([]byte("plain text\n# late heading\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Title != "" {
		t.Errorf("title = %q, want empty", d.Title)
	}
	if d.Body != "plain text\n# late heading\n" {
		t.Errorf("body = %q", d.Body)
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	input := []byte("---\n: invalid: yaml: {{{\n---\nBody\n")
	d, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
	if d.Body != string(input) {
		t.Errorf("body = %q", d.Body)
	}
}

func TestExtractImages(t *testing.T) {
	body := "![a](pics/one.png) and ![b](<two%20words.jpg> \"t\")\n" +
		"![[three.webp|300]] ![remote](https://example.com/x.png)\n" +
		"![dup](./pics/one.png) ![up](../secret.png) ![abs](/etc/x.png)"
	got := extractImages(body)
	want := []string{"pics/one.png", "two words.jpg", "three.webp"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("images = %v, want %v", got, want)
	}
}
