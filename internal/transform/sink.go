package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// DiskImageSink writes processed images as <article>_<index><ext> under a directory
type DiskImageSink struct {
	dir string
}

// NewDiskImageSink creates the directory if needed
func NewDiskImageSink(dir string) (*DiskImageSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image dir: %w", err)
	}
	return &DiskImageSink{dir: dir}, nil
}

// Store implements ImageSink
func (s *DiskImageSink) Store(ctx context.Context, article string, index int, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if article == "" {
		article = "image"
	}
	ext := mimetype.Detect(image).Extension()
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%02d%s", article, index, ext))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, image, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move image: %w", err)
	}
	return path, nil
}
