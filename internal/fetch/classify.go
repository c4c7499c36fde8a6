package fetch

import (
	"bytes"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// weakMarkerBodyLimit bounds the page size for which widget-level CAPTCHA markers
// count as a block. Full product pages often embed a reCAPTCHA form.
const weakMarkerBodyLimit = 32 * 1024

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

type marker struct {
	needle    string
	challenge string
}

var titleMarkers = []marker{
	{"just a moment", "cloudflare"},
	{"attention required", "cloudflare"},
	{"access denied", "anti-bot"},
	{"bot detection", "anti-bot"},
	{"are you a robot", "anti-bot"},
	{"pardon our interruption", "anti-bot"},
	{"доступ ограничен", "anti-bot"},
	{"проверка браузера", "anti-bot"},
}

var strongMarkers = []marker{
	{"cf-challenge", "cloudflare"},
	{"cf_chl_opt", "cloudflare"},
	{"challenges.cloudflare.com/turnstile", "cloudflare-turnstile"},
	{"cf-turnstile", "cloudflare-turnstile"},
	{"captcha-delivery.com", "datadome"},
	{"px-captcha", "perimeterx"},
	{"_incapsula_resource", "incapsula"},
	{"robot or human", "anti-bot"},
	{"smartcaptcha", "yandex-smartcaptcha"},
}

var weakMarkers = []marker{
	{"hcaptcha.com", "hcaptcha"},
	{"h-captcha", "hcaptcha"},
	{"google.com/recaptcha", "recaptcha"},
	{"g-recaptcha", "recaptcha"},
}

var challengePathMarkers = []string{"captcha", "challenge", "/cdn-cgi/", "showcaptcha", "/blocked", "/distil"}

// Classify inspects a response for signs of an anti-bot challenge.
// It returns the challenge label, or "" when the response looks genuine.
// Signals: CAPTCHA markers in title or body, a redirect to a challenge host or path,
// and a 2xx body smaller than minBodySize.
func Classify(resp *Response, requestURL string, minBodySize int) string {
	if resp == nil {
		return ""
	}

	if challenge := redirectChallenge(requestURL, resp); challenge != "" {
		return challenge
	}

	lower := bytes.ToLower(resp.Body)
	if m := titlePattern.FindSubmatch(lower); m != nil {
		title := string(bytes.TrimSpace(m[1]))
		for _, mk := range titleMarkers {
			if strings.Contains(title, mk.needle) {
				return mk.challenge
			}
		}
	}

	for _, mk := range strongMarkers {
		if bytes.Contains(lower, []byte(mk.needle)) {
			return mk.challenge
		}
	}

	if len(resp.Body) < weakMarkerBodyLimit {
		for _, mk := range weakMarkers {
			if bytes.Contains(lower, []byte(mk.needle)) {
				return mk.challenge
			}
		}
	}

	if resp.Status >= 200 && resp.Status < 300 && minBodySize > 0 && len(resp.Body) < minBodySize {
		return "anomalous-size"
	}

	return ""
}

// redirectChallenge flags redirects that leave for a challenge path or an unrelated host
func redirectChallenge(requestURL string, resp *Response) string {
	if resp.FinalURL == "" || resp.FinalURL == requestURL {
		return ""
	}
	final, err := url.Parse(resp.FinalURL)
	if err != nil {
		return ""
	}
	lowerFinal := strings.ToLower(final.Host + final.Path + "?" + final.RawQuery)
	for _, needle := range challengePathMarkers {
		if strings.Contains(lowerFinal, needle) {
			return "challenge-redirect"
		}
	}

	origin, err := url.Parse(requestURL)
	if err != nil {
		return ""
	}
	if rootDomain(origin.Hostname()) != rootDomain(final.Hostname()) {
		return "foreign-redirect"
	}
	return ""
}

// rootDomain returns the registrable domain of a host (eTLD+1), or the host
// itself for IPs, single labels and bare public suffixes
func rootDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
