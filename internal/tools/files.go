package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/miosa-osa/osa/pkg/models"
)

// MaxFileReadBytes caps one file_read (200KB of text).
const MaxFileReadBytes = 200_000

// Resolver resolves and validates workspace-relative paths. An empty root
// scopes to the current directory.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// FileReadTool reads files from the workspace. PDF files are extracted to
// plain text; everything else is returned as-is up to the byte limit.
type FileReadTool struct {
	resolver Resolver
	maxBytes int
}

// NewFileReadTool creates the file_read tool scoped to workspace.
func NewFileReadTool(workspace string) *FileReadTool {
	return &FileReadTool{
		resolver: Resolver{Root: workspace},
		maxBytes: MaxFileReadBytes,
	}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file from the workspace. PDFs are extracted to plain text."
}

func (t *FileReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file (relative to workspace)."},
			"max_bytes": {"type": "integer", "minimum": 0, "description": "Maximum bytes to return."}
		},
		"required": ["path"]
	}`)
}

func (t *FileReadTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return &models.ToolResult{OK: false, Err: err.Error()}, nil
	}

	limit := t.maxBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	var content string
	if strings.EqualFold(filepath.Ext(resolved), ".pdf") {
		content, err = extractPDFText(resolved)
	} else {
		content, err = readTextFile(resolved, limit)
	}
	if err != nil {
		return &models.ToolResult{OK: false, Err: err.Error()}, nil
	}

	truncated := false
	if len(content) > limit {
		content = content[:limit]
		truncated = true
	}

	result := map[string]any{
		"path":      input.Path,
		"content":   content,
		"bytes":     len(content),
		"truncated": truncated,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("encode result: %v", err)}, nil
	}
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}

func readTextFile(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(buf), nil
}

// extractPDFText pulls plain text from a PDF page by page. Unreadable pages
// are skipped rather than failing the whole document.
func extractPDFText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}

// FileWriteTool writes files inside the workspace.
type FileWriteTool struct {
	resolver Resolver
}

// NewFileWriteTool creates the file_write tool scoped to workspace.
func NewFileWriteTool(workspace string) *FileWriteTool {
	return &FileWriteTool{resolver: Resolver{Root: workspace}}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}

func (t *FileWriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file (relative to workspace)."},
			"content": {"type": "string", "description": "Content to write."},
			"append": {"type": "boolean", "description": "Append instead of overwrite."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *FileWriteTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return &models.ToolResult{OK: false, Err: err.Error()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("create directory: %v", err)}, nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("open file: %v", err)}, nil
	}
	defer f.Close()

	n, err := f.WriteString(input.Content)
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("write file: %v", err)}, nil
	}

	payload, _ := json.Marshal(map[string]any{
		"path":  input.Path,
		"bytes": n,
	})
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}
