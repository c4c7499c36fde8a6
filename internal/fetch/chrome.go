package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// ChromeFetcher renders pages in headless Chrome for sites that build their
// catalog client-side. A browser is started per request because user agent
// and proxy are process-level flags.
type ChromeFetcher struct {
	ExecPath  string
	Headless  bool
	WaitReady string
	Settle    time.Duration
}

// NewChromeFetcher creates a dynamic fetch capability
func NewChromeFetcher(execPath string) *ChromeFetcher {
	return &ChromeFetcher{
		ExecPath:  execPath,
		Headless:  true,
		WaitReady: "body",
		Settle:    500 * time.Millisecond,
	}
}

func (f *ChromeFetcher) allocatorOptions(id Identity) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if f.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.ExecPath))
	}
	if id.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(id.UserAgent))
	}
	if id.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(id.Proxy))
	}
	return opts
}

// Fetch implements Capability
func (f *ChromeFetcher) Fetch(ctx context.Context, targetURL string, id Identity, timeout time.Duration) (*Response, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, f.allocatorOptions(id)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logrus.Debugf("chromedp: "+format, args...)
		}),
	)
	defer cancelBrowser()

	timeoutCtx, cancelTimeout := context.WithTimeout(browserCtx, timeout)
	defer cancelTimeout()

	logrus.WithFields(logrus.Fields{"url": targetURL, "proxy": id.Proxy != ""}).Debug("Dynamic fetch starting")

	// Navigate first to capture the main document status
	nav, err := chromedp.RunResponse(timeoutCtx, chromedp.Navigate(targetURL))
	if err != nil {
		return nil, fmt.Errorf("browser navigation: %w", err)
	}

	var html string
	actions := []chromedp.Action{chromedp.WaitReady(f.WaitReady)}
	if f.Settle > 0 {
		actions = append(actions, chromedp.Sleep(f.Settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html))
	if err := chromedp.Run(timeoutCtx, actions...); err != nil {
		return nil, fmt.Errorf("browser render: %w", err)
	}

	return responseFromNavigation(targetURL, nav, html), nil
}

// responseFromNavigation builds a Response from the main document network response
func responseFromNavigation(targetURL string, nav *network.Response, html string) *Response {
	resp := &Response{
		Status:      200,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		FinalURL:    targetURL,
	}
	if nav == nil {
		return resp
	}
	if nav.Status > 0 {
		resp.Status = int(nav.Status)
	}
	if nav.URL != "" {
		resp.FinalURL = nav.URL
		if nav.URL != targetURL {
			resp.Redirects = append(resp.Redirects, nav.URL)
		}
	}
	return resp
}
