package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

const maxRedirects = 10

// CollyFetcher fetches static HTML with a fresh colly collector per request,
// so that each request carries exactly the identity it was given
type CollyFetcher struct {
	MaxBodySize int
	Headers     map[string]string
}

// NewCollyFetcher creates a static fetch capability
func NewCollyFetcher() *CollyFetcher {
	return &CollyFetcher{
		MaxBodySize: 10 * 1024 * 1024,
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9,ru;q=0.8",
		},
	}
}

// Fetch implements Capability
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string, id Identity, timeout time.Duration) (*Response, error) {
	c := colly.NewCollector(
		colly.UserAgent(id.UserAgent),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(f.MaxBodySize),
	)
	c.SetRequestTimeout(timeout)

	// Deliver non-2xx responses through OnResponse for classification
	c.ParseHTTPErrorResponse = true

	if id.Proxy != "" {
		if err := c.SetProxy(id.Proxy); err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
	}

	resp := &Response{}
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		resp.Redirects = append(resp.Redirects, req.URL.String())
		return nil
	})

	c.OnRequest(func(r *colly.Request) {
		for k, v := range f.Headers {
			r.Headers.Set(k, v)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		resp.Status = r.StatusCode
		resp.Body = r.Body
		resp.ContentType = r.Headers.Get("Content-Type")
		resp.FinalURL = r.Request.URL.String()
	})

	var fetchErr error
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			resp.Status = r.StatusCode
			resp.Body = r.Body
		}
		fetchErr = err
	})

	logrus.WithFields(logrus.Fields{"url": targetURL, "proxy": id.Proxy != ""}).Debug("Static fetch starting")
	var visited *colly.AlreadyVisitedError
	if err := c.Visit(targetURL); err != nil && !errors.As(err, &visited) {
		if resp.Status > 0 {
			return resp, nil
		}
		return nil, err
	}

	if fetchErr != nil && resp.Status == 0 {
		return nil, fetchErr
	}
	return resp, nil
}
