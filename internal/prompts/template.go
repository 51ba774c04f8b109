// Package prompts holds the prompt templates and builders used by the
// generation pipelines and the button definitions users can customize.
package prompts

import (
	"regexp"
)

var (
	defaultVar = regexp.MustCompile(`\{\{\s*(\w+)\s*\|\|\s*["']([^"']*)["']\s*\}\}`)
	plainVar   = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
)

// Render substitutes vars into tmpl. Expressions of the form
// {{name || 'default'}} are resolved first and use the default when the
// variable is empty or missing. Plain {{name}} references to unknown
// variables render empty.
func Render(tmpl string, vars map[string]string) string {
	out := defaultVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := defaultVar.FindStringSubmatch(m)
		if v := vars[sub[1]]; v != "" {
			return v
		}
		return sub[2]
	})
	return plainVar.ReplaceAllStringFunc(out, func(m string) string {
		return vars[plainVar.FindStringSubmatch(m)[1]]
	})
}

// Variables lists the variable names referenced by tmpl, in order of first use.
func Variables(tmpl string) []string {
	seen := map[string]bool{}
	var names []string
	for _, re := range []*regexp.Regexp{defaultVar, plainVar} {
		for _, m := range re.FindAllStringSubmatch(tmpl, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}
