// Package ruleset loads per-site rules: request header overrides, extra
// tracker domains and elements to remove from matching pages.
package ruleset

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/rewrite"
)

// Headers are request header overrides for a site. Empty means no override;
// "none" removes the default header.
type Headers struct {
	UserAgent      string `yaml:"user-agent,omitempty"`
	Referer        string `yaml:"referer,omitempty"`
	Cookie         string `yaml:"cookie,omitempty"`
	AcceptLanguage string `yaml:"accept-language,omitempty"`
}

// Rule applies to a domain and its subdomains.
type Rule struct {
	Domain   string   `yaml:"domain,omitempty"`
	Domains  []string `yaml:"domains,omitempty"`
	Headers  Headers  `yaml:"headers,omitempty"`
	Remove   []string `yaml:"remove,omitempty"`
	Trackers []string `yaml:"trackers,omitempty"`
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet []Rule

// hosts returns every domain the rule names, lowercased.
func (r *Rule) hosts() []string {
	out := make([]string, 0, len(r.Domains)+1)
	if r.Domain != "" {
		out = append(out, strings.ToLower(r.Domain))
	}
	for _, d := range r.Domains {
		out = append(out, strings.ToLower(d))
	}
	return out
}

// RequestHeaders returns the rule's header overrides in the form the fetcher
// accepts. "none" maps to an empty value, which removes the header.
func (r *Rule) RequestHeaders() http.Header {
	h := http.Header{}
	set := func(key, v string) {
		switch {
		case v == "":
		case strings.EqualFold(v, "none"):
			h.Set(key, "")
		default:
			h.Set(key, v)
		}
	}
	set("User-Agent", r.Headers.UserAgent)
	set("Referer", r.Headers.Referer)
	set("Cookie", r.Headers.Cookie)
	set("Accept-Language", r.Headers.AcceptLanguage)
	return h
}

// Match returns the first rule naming host or one of its parent domains.
func (rs RuleSet) Match(host string) (*Rule, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for i := range rs {
		for _, d := range rs[i].hosts() {
			if host == d || strings.HasSuffix(host, "."+d) {
				return &rs[i], true
			}
		}
	}
	return nil, false
}

// Domains lists every domain named by the rule set.
func (rs RuleSet) Domains() []string {
	var out []string
	for i := range rs {
		out = append(out, rs[i].hosts()...)
	}
	return out
}

// Parse decodes a YAML document holding a list of rules and validates it.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("ruleset: parse: %w", err)
	}
	for i := range rs {
		if err := rs[i].validate(); err != nil {
			return nil, fmt.Errorf("ruleset: rule %d: %w", i, err)
		}
	}
	return rs, nil
}

func (r *Rule) validate() error {
	if len(r.hosts()) == 0 {
		return errors.New("domain or domains is required")
	}
	for _, d := range r.hosts() {
		if strings.ContainsAny(d, "/: ") {
			return fmt.Errorf("domain %q must be a bare host name", d)
		}
	}
	for _, sel := range r.Remove {
		if err := rewrite.ValidSelector(sel); err != nil {
			return fmt.Errorf("remove selector %q: %w", sel, err)
		}
	}
	return nil
}

// Load reads and merges every rule file matching the doublestar pattern.
func Load(pattern string) (RuleSet, error) {
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ruleset: glob %q: %w", pattern, err)
	}
	var all RuleSet
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("ruleset: read %s: %w", p, err)
		}
		rs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		all = append(all, rs...)
	}
	return all, nil
}

// FromConfig loads the rule files named by rewrite.rules. An empty pattern
// yields an empty rule set.
func FromConfig(cfg *config.Config, logger *slog.Logger) (RuleSet, error) {
	if cfg.Rewrite.Rules == "" {
		return RuleSet{}, nil
	}
	rs, err := Load(cfg.Rewrite.Rules)
	if err != nil {
		return nil, err
	}
	logger.Info("site rules loaded", "component", "ruleset", "pattern", cfg.Rewrite.Rules, "rules", len(rs), "domains", len(rs.Domains()))
	return rs, nil
}
