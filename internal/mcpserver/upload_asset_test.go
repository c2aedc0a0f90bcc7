package mcpserver

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/quire/internal/noteservice"
)

func pngDataURI(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestUploadAsset_DataURIAttachedToNote(t *testing.T) {
	srv := testServer(t)
	note := createNote(t, srv, "# With image")

	var res uploadResult
	decode(t, callTool(t, srv, "upload_asset", map[string]any{
		"url": pngDataURI(t), "filename": "dot.png", "note_id": note.ID,
	}), &res)
	if res.AttachmentID == "" {
		t.Fatal("missing attachment id")
	}
	if !strings.Contains(res.MarkdownImage, res.AttachmentID) {
		t.Errorf("markdown image = %q", res.MarkdownImage)
	}

	var n noteservice.NoteDetail
	decode(t, callTool(t, srv, "read_note", map[string]any{"id": note.ID}), &n)
	if len(n.Attachments) != 1 || n.Attachments[0].ID != res.AttachmentID {
		t.Errorf("attachments = %+v", n.Attachments)
	}
}

func TestUploadAsset_ThenCreateNote(t *testing.T) {
	srv := testServer(t)

	var res uploadResult
	decode(t, callTool(t, srv, "upload_asset", map[string]any{"url": pngDataURI(t)}), &res)

	var created noteSummary
	decode(t, callTool(t, srv, "create_note", map[string]any{
		"content": "# Photo", "attachment_ids": []any{res.AttachmentID},
	}), &created)

	var n noteservice.NoteDetail
	decode(t, callTool(t, srv, "read_note", map[string]any{"id": created.ID}), &n)
	if len(n.AttachmentIDs) != 1 {
		t.Errorf("attachment ids = %v", n.AttachmentIDs)
	}
}

func TestUploadAsset_Rejects(t *testing.T) {
	srv := testServer(t)

	for _, u := range []string{
		"data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello")),
		"data:image/png,notbase64",
		"ftp://example.com/a.png",
		"http://127.0.0.1/a.png",
	} {
		if r := callTool(t, srv, "upload_asset", map[string]any{"url": u}); !r.IsError {
			t.Errorf("%s: expected error", u)
		}
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetcher_Download(t *testing.T) {
	body := pngBytes(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		// Deliberately wrong type: content sniffing must recover image/png.
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	f := newFetcher()
	f.hostCheck = func(string) error { return nil }

	a, err := f.fetch(t.Context(), ts.URL+"/img/cat.png")
	if err != nil {
		t.Fatal(err)
	}
	if a.mimeType != "image/png" || a.name != "cat.png" || !bytes.Equal(a.data, body) {
		t.Errorf("asset = %q %q %d bytes", a.mimeType, a.name, len(a.data))
	}

	if _, err := f.fetch(t.Context(), ts.URL+"/missing.png"); err == nil {
		t.Error("expected HTTP 404 error")
	}

	f.maxBytes = 8
	if _, err := f.fetch(t.Context(), ts.URL+"/img/cat.png"); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestFetcher_BlocksLoopbackByDefault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer ts.Close()

	if _, err := newFetcher().fetch(t.Context(), ts.URL+"/a.png"); err == nil {
		t.Fatal("expected blocked host error")
	}
}

func TestNameFromPath(t *testing.T) {
	tests := map[string]string{
		"/a/b/photo.jpg": "photo.jpg",
		"/a/b/":          "",
		"/noext":         "",
		"":               "",
	}
	for in, want := range tests {
		if got := nameFromPath(in); got != want {
			t.Errorf("nameFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeDataURI(t *testing.T) {
	data, mime, err := decodeDataURI("data:image/gif;base64," + base64.StdEncoding.EncodeToString([]byte("GIF89a")))
	if err != nil {
		t.Fatal(err)
	}
	if mime != "image/gif" || string(data) != "GIF89a" {
		t.Errorf("got %q %q", mime, data)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"../etc/passwd":  "passwd",
		"my photo!.png":  "my_photo_.png",
		"ok-name_1.jpeg": "ok-name_1.jpeg",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
