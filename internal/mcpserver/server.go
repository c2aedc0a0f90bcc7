// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes quire tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/noteservice"
	"github.com/starford/quire/internal/paging"
	"github.com/starford/quire/internal/parser"
)

const contractURI = "quire://note-format"

// Server wraps the MCP server with quire tools.
type Server struct {
	mcp     *server.MCPServer
	svc     *noteservice.Service
	fetcher *fetcher
}

// New creates a new MCP server with all quire tools registered.
func New(svc *noteservice.Service, version string) *Server {
	s := &Server{svc: svc, fetcher: newFetcher()}

	s.mcp = server.NewMCPServer(
		"Quire",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Find live notes containing every word of the query, newest first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search words")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note with its attachment list."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a note from Markdown content. The title comes from "+
			"frontmatter or a leading heading; read the contract first via the "+
			"get_note_contract tool or the "+contractURI+" resource."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown content following the note format contract")),
		mcp.WithString("title", mcp.Description("Explicit title, overrides the content")),
		mcp.WithArray("attachment_ids", mcp.Description("Ids returned by upload_asset, in display order")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Replace the content of an existing note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New Markdown content")),
		mcp.WithString("checksum", mcp.Description("Checksum from read_note; the update fails if the note changed since")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("delete_note",
		mcp.WithDescription("Soft-delete a note. It can be restored until it is purged."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.deleteNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes one page at a time, most recently updated first. "+
			"Pass the returned cursor to get the next page."),
		mcp.WithString("cursor", mcp.Description("Cursor from the previous call")),
		mcp.WithString("query", mcp.Description("Only notes containing every word")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 200)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the quire note format contract. "+
			"Call this before creating or updating notes."),
	), s.getNoteContract)

	s.mcp.AddTool(mcp.NewTool("upload_asset",
		mcp.WithDescription("Upload an image from an http(s) URL or a base64 data URI. "+
			"Returns the attachment id and a Markdown image snippet."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:image/...;base64,... URI")),
		mcp.WithString("filename", mcp.Description("Display name of the image")),
		mcp.WithString("note_id", mcp.Description("Attach to this note right away")),
	), s.uploadAsset)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("How note content passed to the tools is interpreted."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type noteSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

func summarize(ns []models.Note) []noteSummary {
	out := make([]noteSummary, len(ns))
	for i, n := range ns {
		out[i] = noteSummary{ID: n.ID, Title: n.Title, UpdatedAt: n.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")}
	}
	return out
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// toolError turns a store error into a message the model can act on.
func toolError(err error) *mcp.CallToolResult {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError(fmt.Sprintf("invalid %s: %s", verr.Field, verr.Message))
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("note changed since it was read; read it again")
	case errors.Is(err, apperr.ErrInvalidCursor):
		return mcp.NewToolResultError("invalid cursor; start again without one")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, req.GetInt("limit", 0))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(summarize(results)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.GetNote(ctx, id, false)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := parser.Parse([]byte(content))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title := req.GetString("title", doc.Title)

	n, err := s.svc.CreateNote(ctx, noteservice.NoteInput{
		Title:         title,
		Body:          doc.Body,
		AttachmentIDs: req.GetStringSlice("attachment_ids", nil),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(noteSummary{ID: n.ID, Title: n.Title, UpdatedAt: n.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")}), nil
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := parser.Parse([]byte(content))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	patch := noteservice.NotePatch{Body: &doc.Body}
	if doc.Title != "" {
		patch.Title = &doc.Title
	}
	n, err := s.svc.UpdateNote(ctx, id, patch, req.GetString("checksum", ""))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n), nil
}

func (s *Server) deleteNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.DeleteNote(ctx, id); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("deleted: " + id), nil
}

type listResult struct {
	Notes   []noteSummary `json:"notes"`
	Cursor  string        `json:"cursor"`
	HasMore bool          `json:"has_more"`
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := paging.Query{Filter: paging.Filter{Text: req.GetString("query", "")}}
	page, err := s.svc.ListNotes(ctx, q, req.GetString("cursor", ""), req.GetInt("limit", 0))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(listResult{Notes: summarize(page.Items), Cursor: page.Cursor, HasMore: page.HasMore}), nil
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
