package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes {Dir}/{collection}.json.
type FileSink struct {
	Dir string
}

// NewFileSink creates a file sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = "."
	}
	return &FileSink{Dir: dir}
}

// Path returns the output path for a collection.
func (s *FileSink) Path(collection string) string {
	return filepath.Join(s.Dir, filepath.Base(collection)+".json")
}

// Write stores the document through a temp file and rename, so a partially
// written file never replaces a previous output.
func (s *FileSink) Write(ctx context.Context, doc Document) (string, error) {
	path := s.Path(doc.Collection)
	err := s.write(ctx, path, doc.Data)
	if err := observe("file", doc, err); err != nil {
		return "", err
	}
	return path, nil
}

func (s *FileSink) write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
