package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalFS is a filesystem blob store. Ids are slash-separated paths relative to Root.
type LocalFS struct {
	Root string
}

func (l LocalFS) resolve(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if id == "" || clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid blob id %q", id)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Upload(ctx context.Context, name string, body io.Reader, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := filepath.ToSlash(filepath.Join(uuid.NewString(), filepath.Base(name)))
	abs, err := l.resolve(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(abs)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(abs+".meta.json", raw, 0o644); err != nil {
			return "", fmt.Errorf("failed to write metadata: %w", err)
		}
	}
	return id, nil
}

func (l LocalFS) Download(ctx context.Context, id string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.resolve(id)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (l LocalFS) Delete(ctx context.Context, id string) error {
	abs, err := l.resolve(id)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return err
	}
	if err := os.Remove(abs + ".meta.json"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
