package strategy

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule pairs a request predicate with the policy to execute when it
// matches. Rules are evaluated top-down and the first match wins, so
// more specific rules (data API) must be listed before generic ones
// (static assets).
type Rule struct {
	Name   string
	Match  func(*http.Request) bool
	Policy Policy
}

// Classifier holds the ordered rule table.
type Classifier struct {
	rules    []Rule
	fallback Rule
}

// NewClassifier creates a classifier over the given ordered rules.
// Requests matching no rule fall back to network-first passthrough.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{
		rules: rules,
		fallback: Rule{
			Name:   "passthrough",
			Match:  func(*http.Request) bool { return true },
			Policy: NetworkFirst{},
		},
	}
}

// Classify returns the first rule matching the request.
func (c *Classifier) Classify(req *http.Request) Rule {
	for _, rule := range c.rules {
		if rule.Match(req) {
			return rule
		}
	}
	return c.fallback
}

// Rules returns the ordered rule table, fallback excluded.
func (c *Classifier) Rules() []Rule {
	return c.rules
}

// staticExtensions are file extensions treated as static assets.
var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".html": true, ".ico": true,
	".png": true, ".jpg": true, ".jpeg": true, ".svg": true, ".gif": true,
	".webp": true, ".woff": true, ".woff2": true, ".ttf": true,
	".map": true, ".json": false, // .json is data, not an asset
}

// IsStaticAsset reports whether the request targets a static asset.
func IsStaticAsset(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if strings.HasPrefix(req.URL.Path, "/assets/") {
		return true
	}
	return staticExtensions[path.Ext(req.URL.Path)]
}

// IsAPIRequest reports whether the request targets the data API.
func IsAPIRequest(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/api/")
}

// IsNavigation reports whether the request is a top-level page
// navigation: a GET for an HTML document outside the API and asset
// spaces.
func IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if IsAPIRequest(req) || IsStaticAsset(req) {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// DefaultRules returns the built-in ordered rule table.
//
// Data-API rules come before the generic static-asset rule per the
// tie-break convention: the more specific pattern wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "critical-api",
			Match: func(req *http.Request) bool {
				if req.Method != http.MethodGet {
					return false
				}
				return strings.HasPrefix(req.URL.Path, "/api/settings") ||
					strings.HasPrefix(req.URL.Path, "/api/profile")
			},
			// Instant load matters more than freshness for the shop
			// profile and settings; refresh only when online.
			Policy: CacheFirst{RefreshOnlineOnly: true},
		},
		{
			Name: "data-api",
			Match: func(req *http.Request) bool {
				return req.Method == http.MethodGet && IsAPIRequest(req)
			},
			Policy: NetworkFirst{},
		},
		{
			Name:   "static-asset",
			Match:  IsStaticAsset,
			Policy: CacheFirst{},
		},
		{
			Name:   "navigation",
			Match:  IsNavigation,
			Policy: StaleWhileRevalidate{},
		},
	}
}

// ruleSpec is the YAML representation of a classification rule.
type ruleSpec struct {
	Name              string   `yaml:"name"`
	Methods           []string `yaml:"methods,omitempty"`
	Prefixes          []string `yaml:"prefixes,omitempty"`
	Pattern           string   `yaml:"pattern,omitempty"`
	Policy            string   `yaml:"policy"`
	RefreshOnlineOnly bool     `yaml:"refresh_online_only,omitempty"`
}

// rulesFile is the YAML document shape of a rules override file.
type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRules reads an ordered rule table from a YAML file, replacing the
// built-in defaults. The file keeps classification auditable without a
// rebuild:
//
//	rules:
//	  - name: critical-api
//	    methods: [GET]
//	    prefixes: [/api/settings, /api/profile]
//	    policy: cache-first
//	    refresh_online_only: true
//	  - name: data-api
//	    methods: [GET]
//	    prefixes: [/api/]
//	    policy: network-first
func LoadRules(rulesPath string) ([]Rule, error) {
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", rulesPath)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i, spec := range doc.Rules {
		rule, err := compileRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Name, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// compileRule turns a ruleSpec into an executable Rule.
func compileRule(spec ruleSpec) (Rule, error) {
	if spec.Name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}

	policy, ok := policyByName(spec.Policy, spec.RefreshOnlineOnly)
	if !ok {
		return Rule{}, fmt.Errorf("unknown policy %q", spec.Policy)
	}

	if len(spec.Prefixes) == 0 && spec.Pattern == "" {
		return Rule{}, fmt.Errorf("either prefixes or pattern is required")
	}

	var re *regexp.Regexp
	if spec.Pattern != "" {
		var err error
		re, err = regexp.Compile(spec.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid pattern: %w", err)
		}
	}

	methods := make(map[string]bool, len(spec.Methods))
	for _, m := range spec.Methods {
		methods[strings.ToUpper(m)] = true
	}

	prefixes := spec.Prefixes
	match := func(req *http.Request) bool {
		if len(methods) > 0 && !methods[req.Method] {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(req.URL.Path, p) {
				return true
			}
		}
		if re != nil && re.MatchString(req.URL.Path) {
			return true
		}
		return false
	}

	return Rule{Name: spec.Name, Match: match, Policy: policy}, nil
}
