package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alvmarrod/shelf-weaver/internal/rules"
	"github.com/alvmarrod/shelf-weaver/internal/transform"
)

var proxySchemes = map[string]bool{"http": true, "https": true, "socks5": true}

// LoadProxies reads one proxy URL per line. Blank lines and # comments are skipped.
func LoadProxies(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileError("proxy_file", path, err)
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		u, err := url.Parse(raw)
		if err == nil && (!proxySchemes[u.Scheme] || u.Host == "") {
			err = fmt.Errorf("unsupported proxy %q", raw)
		}
		if err != nil {
			return nil, &ConfigError{Kind: InvalidValue, Field: "proxy_file", Path: path, Line: line, Err: err}
		}
		proxies = append(proxies, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{Kind: InvalidValue, Field: "proxy_file", Path: path, Err: err}
	}
	return proxies, nil
}

// LoadSiteRules reads per-domain rule overrides:
//
//	shop.example.com:
//	  container: "li.product"
//	  price: ["span.price", "meta:product:price:amount"]
func LoadSiteRules(path string) (map[string]rules.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileError("site_rules_path", path, err)
	}

	var raw map[string]rules.RuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Kind: InvalidValue, Field: "site_rules_path", Path: path, Err: err}
	}

	out := make(map[string]rules.RuleSet, len(raw))
	for domain, rs := range raw {
		if err := rs.Validate(); err != nil {
			return nil, &ConfigError{Kind: InvalidValue, Field: "site_rules." + domain, Path: path, Err: err}
		}
		out[normalizeDomain(domain)] = rs
	}
	return out, nil
}

// LoadDictionary reads a word → synonyms map from YAML or JSON
func LoadDictionary(path string) (transform.Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileError("dictionary_path", path, err)
	}
	var dict transform.Dictionary
	if err := yaml.Unmarshal(data, &dict); err != nil {
		return nil, &ConfigError{Kind: InvalidValue, Field: "dictionary_path", Path: path, Err: err}
	}
	for word, syns := range dict {
		if len(syns) == 0 {
			return nil, &ConfigError{Kind: InvalidValue, Field: "dictionary_path", Path: path, Err: fmt.Errorf("no synonyms for %q", word)}
		}
	}
	return dict, nil
}

func normalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
}

func fileError(field, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &ConfigError{Kind: MissingFile, Field: field, Path: path, Err: err}
	}
	return &ConfigError{Kind: InvalidValue, Field: field, Path: path, Err: err}
}
