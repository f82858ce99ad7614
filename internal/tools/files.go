package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

const maxReadBytes = 256 << 10

// Workspace confines file tools to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace creates root if needed.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a workspace-relative path to an absolute one, rejecting
// absolute paths and any path that climbs out of the root.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return filepath.Join(w.root, p), nil
}

// FileRead reads a file from the workspace.
type FileRead struct{ ws *Workspace }

func NewFileRead(ws *Workspace) *FileRead { return &FileRead{ws: ws} }

func (t *FileRead) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        domain.ToolFileRead,
		Description: "Read a UTF-8 file from the shared workspace.",
		Parameters:  schema(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}
}

func (t *FileRead) Run(_ context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.FileReadInput](domain.ToolFileRead, input)
	if err != nil {
		return "", err
	}
	path, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", in.Path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.Path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// FileWrite writes a file into the workspace, creating parent directories.
type FileWrite struct{ ws *Workspace }

func NewFileWrite(ws *Workspace) *FileWrite { return &FileWrite{ws: ws} }

func (t *FileWrite) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        domain.ToolFileWrite,
		Description: "Write a file to the shared workspace, replacing any existing content.",
		Parameters:  schema(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	}
}

func (t *FileWrite) Run(_ context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.FileWriteInput](domain.ToolFileWrite, input)
	if err != nil {
		return "", err
	}
	path, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", in.Path, err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", in.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}
