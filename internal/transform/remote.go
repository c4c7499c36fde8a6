package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

var errNotImage = errors.New("response is not an image")

// maxImageBytes bounds downloaded and processed images
const maxImageBytes = 20 * 1024 * 1024

// RemoteBackgroundRemover posts images to a rembg-compatible HTTP service
type RemoteBackgroundRemover struct {
	client   *resty.Client
	endpoint string
}

// NewRemoteBackgroundRemover creates a remover for the service at endpoint,
// e.g. "http://localhost:7000/api/remove"
func NewRemoteBackgroundRemover(endpoint string, userAgent string) *RemoteBackgroundRemover {
	client := resty.New().
		SetHeader("User-Agent", userAgent).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)
	return &RemoteBackgroundRemover{client: client, endpoint: endpoint}
}

// RemoveBackground implements ImageProcessor
func (r *RemoteBackgroundRemover) RemoveBackground(ctx context.Context, image []byte) ([]byte, error) {
	kind := mimetype.Detect(image)
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("file", "image"+kind.Extension(), bytes.NewReader(image)).
		Post(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("background service: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("background service: status %d", resp.StatusCode())
	}
	return verifyImage(resp.Body())
}

// HTTPImageLoader downloads product images with resty
type HTTPImageLoader struct {
	client *resty.Client
}

// NewHTTPImageLoader creates an image loader sending userAgent
func NewHTTPImageLoader(userAgent string) *HTTPImageLoader {
	client := resty.New().
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "image/avif,image/webp,image/png,image/jpeg,*/*;q=0.8").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &HTTPImageLoader{client: client}
}

// Load implements ImageLoader
func (l *HTTPImageLoader) Load(ctx context.Context, url string) ([]byte, error) {
	resp, err := l.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("image download: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("image download %s: status %d", url, resp.StatusCode())
	}
	return verifyImage(resp.Body())
}

// verifyImage checks the payload by content sniffing rather than headers
func verifyImage(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, errNotImage
	}
	if len(body) > maxImageBytes {
		return nil, fmt.Errorf("image too large: %d bytes", len(body))
	}
	kind := mimetype.Detect(body)
	if !strings.HasPrefix(kind.String(), "image/") {
		return nil, fmt.Errorf("%w: %s", errNotImage, kind.String())
	}
	return body, nil
}
