package mcpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/quire/internal/thumbnail"
)

const maxAssetSize = 10 << 20 // 10 MB

var (
	safeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	metadataIP     = net.ParseIP("169.254.169.254")
)

// asset is a downloaded or decoded image before it is staged.
type asset struct {
	data     []byte
	mimeType string
	name     string
}

// fetcher resolves upload_asset URLs. hostCheck guards every request and
// redirect against internal targets.
type fetcher struct {
	client    *http.Client
	maxBytes  int64
	hostCheck func(host string) error
}

func newFetcher() *fetcher {
	f := &fetcher{maxBytes: maxAssetSize, hostCheck: checkBlockedHost}
	f.client = &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects (max 5)")
			}
			return f.hostCheck(req.URL.Hostname())
		},
	}
	return f
}

// fetch returns the asset behind a data URI or an http(s) URL. The mime type
// is taken from the URI or response and replaced by content sniffing when it
// is not a supported image type.
func (f *fetcher) fetch(ctx context.Context, rawURL string) (asset, error) {
	var (
		a   asset
		err error
	)
	if strings.HasPrefix(rawURL, "data:") {
		a.data, a.mimeType, err = decodeDataURI(rawURL)
	} else {
		a, err = f.download(ctx, rawURL)
	}
	if err != nil {
		return asset{}, err
	}
	if int64(len(a.data)) > f.maxBytes {
		return asset{}, fmt.Errorf("file too large: %d bytes (max %d)", len(a.data), f.maxBytes)
	}
	if _, ok := thumbnail.Extension(a.mimeType); !ok {
		a.mimeType = http.DetectContentType(a.data)
	}
	ext, ok := thumbnail.Extension(a.mimeType)
	if !ok {
		return asset{}, fmt.Errorf("unsupported content type %q (allowed: png, jpeg, gif, webp)", a.mimeType)
	}
	if a.name == "" {
		a.name = uuid.New().String() + ext
	}
	return a, nil
}

func (f *fetcher) download(ctx context.Context, rawURL string) (asset, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return asset{}, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return asset{}, fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}
	if err := f.hostCheck(parsed.Hostname()); err != nil {
		return asset{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return asset{}, fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return asset{}, fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return asset{}, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return asset{}, fmt.Errorf("read body failed: %w", err)
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return asset{data: data, mimeType: mt, name: nameFromPath(parsed.Path)}, nil
}

func (s *Server) uploadAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := s.fetcher.fetch(ctx, rawURL)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name := sanitizeFilename(req.GetString("filename", a.name))

	att, err := s.svc.StageAttachment(ctx, a.data, a.mimeType, name)
	if err != nil {
		return toolError(err), nil
	}

	noteID := req.GetString("note_id", "")
	if noteID != "" {
		if err := s.svc.BindAttachment(ctx, att.ID, noteID); err != nil {
			return toolError(err), nil
		}
	}

	return jsonResult(uploadResult{
		AttachmentID:  att.ID,
		NoteID:        noteID,
		MarkdownImage: fmt.Sprintf("![%s](/api/attachments/%s/payload)", name, att.ID),
	}), nil
}

type uploadResult struct {
	AttachmentID  string `json:"attachment_id"`
	NoteID        string `json:"note_id,omitempty"`
	MarkdownImage string `json:"markdownImage"`
}

// decodeDataURI parses a data:<mediatype>;base64,<data> URI.
func decodeDataURI(uri string) ([]byte, string, error) {
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", errors.New("invalid data URI: missing comma separator")
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", errors.New("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	mt, _, _ := strings.Cut(mediaType, ";")
	return data, mt, nil
}

// checkBlockedHost rejects loopback and cloud metadata addresses.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // let http.Client handle DNS failures
		}
		ip = ips[0]
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("blocked host: loopback address %s", host)
	case ip.Equal(metadataIP):
		return fmt.Errorf("blocked host: cloud metadata address %s", host)
	}
	return nil
}

// nameFromPath returns the last URL path segment when it looks like a file name.
func nameFromPath(p string) string {
	base := path.Base(p)
	if base == "." || base == "/" || !strings.Contains(base, ".") {
		return ""
	}
	return base
}

// sanitizeFilename strips path separators and unsafe characters.
func sanitizeFilename(name string) string {
	name = safeFilenameRe.ReplaceAllString(filepath.Base(name), "_")
	if name == "" || name == "." {
		name = uuid.New().String()
	}
	return name
}
