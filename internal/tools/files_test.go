package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileReadTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	tool := NewFileReadTool(dir)
	args, _ := json.Marshal(map[string]any{"path": "notes.txt"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.OK {
		t.Fatalf("Execute() failed: %s", result.Err)
	}

	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(result.Output), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Content != "hello world" {
		t.Errorf("content = %q, want %q", out.Content, "hello world")
	}
	if out.Truncated {
		t.Error("truncated = true for a small file")
	}
}

func TestFileReadToolHonorsMaxBytes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("a", 100)), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	tool := NewFileReadTool(dir)
	args, _ := json.Marshal(map[string]any{"path": "big.txt", "max_bytes": 10})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(result.Output), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Content) != 10 {
		t.Errorf("content length = %d, want 10", len(out.Content))
	}
	if !out.Truncated {
		t.Error("truncated = false, want true")
	}
}

func TestFileReadToolRejectsEscape(t *testing.T) {
	tool := NewFileReadTool(t.TempDir())
	args, _ := json.Marshal(map[string]any{"path": "../../etc/passwd"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.OK {
		t.Error("Execute() escaped the workspace")
	}
	if !strings.Contains(result.Err, "escapes workspace") {
		t.Errorf("result err = %q, want path escape message", result.Err)
	}
}

func TestFileReadToolMissingFile(t *testing.T) {
	tool := NewFileReadTool(t.TempDir())
	args, _ := json.Marshal(map[string]any{"path": "nope.txt"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.OK {
		t.Error("Execute() of missing file succeeded")
	}
}

func TestFileWriteTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewFileWriteTool(dir)

	args, _ := json.Marshal(map[string]any{"path": "sub/out.txt", "content": "first"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.OK {
		t.Fatalf("Execute() failed: %s", result.Err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "sub", "out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("file content = %q, want %q", got, "first")
	}

	// Append mode.
	args, _ = json.Marshal(map[string]any{"path": "sub/out.txt", "content": "+more", "append": true})
	if result, err = tool.Execute(context.Background(), args); err != nil || !result.OK {
		t.Fatalf("append Execute() = %v, %v", result, err)
	}
	got, _ = os.ReadFile(filepath.Join(dir, "sub", "out.txt"))
	if string(got) != "first+more" {
		t.Errorf("file content after append = %q, want %q", got, "first+more")
	}
}

func TestResolverTable(t *testing.T) {
	dir := t.TempDir()
	r := Resolver{Root: dir}

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"ok.txt", false},
		{"sub/dir/ok.txt", false},
		{"./ok.txt", false},
		{"..", true},
		{"../outside.txt", true},
		{"sub/../../outside.txt", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := r.Resolve(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("Resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}
