package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/shelf-weaver/internal/product"
)

// ImageProcessor removes the background of an encoded image
type ImageProcessor interface {
	RemoveBackground(ctx context.Context, image []byte) ([]byte, error)
}

// ImageLoader downloads an image by URL
type ImageLoader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}

// ImageSink stores a processed image and returns its reference
type ImageSink interface {
	Store(ctx context.Context, article string, index int, image []byte) (string, error)
}

// TextRewriter produces a reworded description
type TextRewriter interface {
	Rewrite(ctx context.Context, text string, dict Dictionary) (string, error)
}

// Config wires the optional capabilities. Any of them may be nil.
type Config struct {
	Images     ImageProcessor
	Loader     ImageLoader
	Sink       ImageSink
	Text       TextRewriter
	Dictionary Dictionary
	Timeout    time.Duration
}

// Transformer derives the rewritten description and processed images of a record
type Transformer struct {
	cfg Config
}

// NewTransformer creates a transformer; a zero Timeout defaults to 30s
func NewTransformer(cfg Config) *Transformer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transformer{cfg: cfg}
}

// Apply returns a copy of rec with Description and TransformedImages derived.
// Original fields are never modified. Every capability failure becomes a
// Warning and the derived field falls back to the original value.
func (t *Transformer) Apply(ctx context.Context, rec product.Record) (product.Record, []Warning) {
	out := rec.Clone()
	var warnings []Warning

	warn := func(field string, err *TransformError) {
		warnings = append(warnings, Warning{Key: rec.Key, Field: field, Err: err})
	}

	out.Description = rec.OriginalDescription
	if rec.OriginalDescription != "" {
		if t.cfg.Text == nil {
			warn("description", &TransformError{Kind: CapabilityUnavailable, Capability: "text"})
		} else {
			var rewritten string
			err := t.call(ctx, "text", func(ctx context.Context) error {
				var err error
				rewritten, err = t.cfg.Text.Rewrite(ctx, rec.OriginalDescription, t.cfg.Dictionary)
				return err
			})
			switch {
			case err != nil:
				warn("description", err)
			case rewritten != "":
				out.Description = rewritten
			}
		}
	}

	if len(rec.Images) > 0 {
		out.TransformedImages = make([]string, len(rec.Images))
		if t.cfg.Images == nil || t.cfg.Loader == nil || t.cfg.Sink == nil {
			copy(out.TransformedImages, rec.Images)
			warn("images", &TransformError{Kind: CapabilityUnavailable, Capability: "image"})
		} else {
			for i, src := range rec.Images {
				ref, err := t.processImage(ctx, rec.Article, i, src)
				if err != nil {
					ref = src
					warn(fmt.Sprintf("images[%d]", i), err)
				}
				out.TransformedImages[i] = ref
			}
		}
	}

	if len(warnings) > 0 {
		logrus.WithFields(logrus.Fields{
			"key":      rec.Key,
			"warnings": len(warnings),
		}).Debug("Transform fell back to original content")
	}
	return out, warnings
}

// processImage runs load, background removal and store, each under its own deadline
func (t *Transformer) processImage(ctx context.Context, article string, index int, src string) (string, *TransformError) {
	var raw, processed []byte
	if err := t.call(ctx, "image_loader", func(ctx context.Context) error {
		var err error
		raw, err = t.cfg.Loader.Load(ctx, src)
		return err
	}); err != nil {
		return "", err
	}

	if err := t.call(ctx, "image", func(ctx context.Context) error {
		var err error
		processed, err = t.cfg.Images.RemoveBackground(ctx, raw)
		return err
	}); err != nil {
		return "", err
	}

	var ref string
	if err := t.call(ctx, "image_sink", func(ctx context.Context) error {
		var err error
		ref, err = t.cfg.Sink.Store(ctx, article, index, processed)
		return err
	}); err != nil {
		return "", err
	}
	return ref, nil
}

// call runs fn with the capability timeout. A capability that ignores its
// context is abandoned when the deadline passes.
func (t *Transformer) call(ctx context.Context, capability string, fn func(context.Context) error) *TransformError {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &TransformError{Kind: CapabilityTimeout, Capability: capability, Err: err}
	default:
		return &TransformError{Kind: CapabilityFailed, Capability: capability, Err: err}
	}
}
