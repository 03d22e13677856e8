package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ScopeConfig restricts which URLs may enter the crawl.
type ScopeConfig struct {
	AllowHosts []string `mapstructure:"allow_hosts" json:"allow_hosts"`
	Exclude    []string `mapstructure:"exclude" json:"exclude"`
}

// Scope decides whether a URL belongs to the crawl. An empty allow-list admits
// every host.
type Scope struct {
	hosts   *hostPatterns
	exclude []*regexp.Regexp
}

// NewScope compiles the configured host patterns and exclusion expressions.
func NewScope(cfg ScopeConfig) (*Scope, error) {
	scope := &Scope{hosts: newHostPatterns(cfg.AllowHosts)}
	for _, expr := range cfg.Exclude {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", expr, err)
		}
		scope.exclude = append(scope.exclude, re)
	}
	return scope, nil
}

// Allows reports whether the normalized URL is in scope.
func (s *Scope) Allows(rawURL string) bool {
	if s == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if s.hosts != nil && !s.hosts.Match(u.Hostname()) {
		return false
	}
	for _, re := range s.exclude {
		if re.MatchString(rawURL) {
			return false
		}
	}
	return true
}

// hostPatterns stores exact hosts and suffix wildcards derived from configuration.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	matcher := &hostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			if suffix := strings.TrimPrefix(value, "*."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		case strings.HasPrefix(value, "."):
			if suffix := strings.TrimPrefix(value, "."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (p *hostPatterns) addSuffix(suffix string) {
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// Match reports whether host is listed exactly or falls under a suffix.
func (p *hostPatterns) Match(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
