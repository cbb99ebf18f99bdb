package debug

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dshills/vmdebug/internal/debug/remote"
)

// StepFilters describe locations that stepping treats as transparent.
//
// Exclusions are dotted class patterns. A single '*' matches within one
// package segment and '**' crosses segments, so "java.lang.*" matches
// java.lang.String but not java.lang.reflect.Method, while "java.**"
// matches both.
type StepFilters struct {
	Enabled            bool
	Synthetic          bool
	StaticInitializers bool
	Constructors       bool
	Exclusions         []string
}

// Validate checks every exclusion pattern.
func (f StepFilters) Validate() error {
	for _, p := range f.Exclusions {
		if !doublestar.ValidatePattern(classPath(p)) {
			return fmt.Errorf("invalid step filter %q", p)
		}
	}
	return nil
}

// Excludes reports whether stepping should pass through loc.
func (f StepFilters) Excludes(loc remote.Location) bool {
	if !f.Enabled {
		return false
	}
	m := loc.Method
	if (f.Synthetic && m.Synthetic) ||
		(f.StaticInitializers && m.StaticInitializer) ||
		(f.Constructors && m.Constructor) {
		return true
	}
	return f.ExcludesType(loc.TypeName)
}

// ExcludesType reports whether typeName matches an exclusion pattern.
func (f StepFilters) ExcludesType(typeName string) bool {
	if !f.Enabled || typeName == "" {
		return false
	}
	name := classPath(typeName)
	for _, p := range f.Exclusions {
		if ok, err := doublestar.Match(classPath(p), name); err == nil && ok {
			return true
		}
	}
	return false
}

// exclusions returns the patterns to attach to a step request.
func (f StepFilters) exclusions() []string {
	if !f.Enabled || len(f.Exclusions) == 0 {
		return nil
	}
	return append([]string(nil), f.Exclusions...)
}

func classPath(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}
