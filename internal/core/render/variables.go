package render

import "regexp"

// =============================================================================
// Variable Substitution
// =============================================================================

// placeholderRegex matches ${VAR} and ${VAR:-default} patterns.
// Group 1 is the variable name, group 2 the optional default.
var placeholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Substitute replaces ${VAR} and ${VAR:-default} placeholders with
// bundle values.
//
// Behavior:
//   - ${VAR}          - replaced when VAR is set, otherwise kept as-is
//   - ${VAR:-default} - replaced when VAR is set, otherwise "default"
//
// Asset templates are rendered purely from bundle values through this
// function, so an asset can never diverge from the fingerprinted bundle.
func Substitute(template string, values map[string]string) string {
	if values == nil {
		values = map[string]string{}
	}
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderRegex.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]
		if val, ok := values[name]; ok {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}
