package offlinepages

import "strings"

// DefaultPage is served when no rule matches a navigation.
const DefaultPage = "/offline.html"

// Rules map business routes to the page shown when the route cannot be reached offline.
// Rules are checked in order, the first matching rule wins.
type Rules []Rule

type Rule struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`
	Page   string `yaml:"page" validate:"required,startswith=/"`
}

// Pages resolves navigation paths to offline pages.
type Pages struct {
	Rules   Rules
	Default string
}

func New(rules Rules, defaultPage string) Pages {
	if defaultPage == "" {
		defaultPage = DefaultPage
	}
	return Pages{Rules: rules, Default: defaultPage}
}

// Resolve returns the offline page for a navigation to path.
func (p Pages) Resolve(path string) string {
	if rule := p.Rules.find(path); rule != nil {
		return rule.Page
	}
	if p.Default == "" {
		return DefaultPage
	}
	return p.Default
}

// All returns every page the rules can resolve to, default first, without duplicates.
// These pages belong in the shell manifest.
func (p Pages) All() []string {
	seen := map[string]bool{}
	pages := make([]string, 0, len(p.Rules)+1)
	for _, page := range append([]string{p.Resolve("")}, p.pages()...) {
		if !seen[page] {
			seen[page] = true
			pages = append(pages, page)
		}
	}
	return pages
}

func (p Pages) pages() []string {
	pages := make([]string, len(p.Rules))
	for i, rule := range p.Rules {
		pages[i] = rule.Page
	}
	return pages
}

func (r Rules) find(path string) *Rule {
	for _, rule := range r {
		if rule.Path != "" && rule.Path != path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		if rule.Path == "" && rule.Prefix == "" {
			continue
		}
		return &rule
	}
	return nil
}
