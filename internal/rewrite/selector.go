package rewrite

import (
	"github.com/andybalholm/cascadia"
)

// compileSelector compiles a CSS selector for goquery's FindMatcher.
func compileSelector(sel string) (cascadia.Selector, error) {
	return cascadia.Compile(sel)
}

// ValidSelector reports whether sel is a CSS selector the pipeline accepts.
func ValidSelector(sel string) error {
	_, err := compileSelector(sel)
	return err
}
