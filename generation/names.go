// Package generation manages the versioned stores of the offline layer:
// creating them at install, cleaning up stale ones at activation, and
// keeping the dynamic one bounded.
package generation

import "fmt"

const (
	staticInfix  = "shell"
	dynamicInfix = "dyn"
)

// Names derives the store identifiers of one generation.
type Names struct {
	Prefix  string
	Version string
}

// Static returns the name of the store holding the app shell, e.g. bqa-one-shell-v10.3.
func (n Names) Static() string {
	return fmt.Sprintf("%s-%s-%s", n.Prefix, staticInfix, n.Version)
}

// Dynamic returns the name of the store populated at runtime, e.g. bqa-one-dyn-v10.3.
func (n Names) Dynamic() string {
	return fmt.Sprintf("%s-%s-%s", n.Prefix, dynamicInfix, n.Version)
}

// Current reports whether the store name belongs to this generation.
func (n Names) Current(name string) bool {
	return name == n.Static() || name == n.Dynamic()
}
