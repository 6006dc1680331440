package template

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Interpolate substitutes {{name}} placeholders. A name may carry a fallback
// after a pipe, {{first_name|there}}, used when the value is missing or
// empty. Unknown names without a fallback are left as is.
func Interpolate(s string, vars map[string]string) string {
	return interpolate(s, vars, nil)
}

// InterpolateHTML is Interpolate with HTML-escaped values
func InterpolateHTML(s string, vars map[string]string) string {
	return interpolate(s, vars, html.EscapeString)
}

func interpolate(s string, vars map[string]string, escape func(string) string) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}

	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name, fallback, hasFallback := strings.Cut(match[2:len(match)-2], "|")
		name = strings.TrimSpace(name)

		value, ok := vars[name]
		if !ok || value == "" {
			if !hasFallback {
				return match
			}
			value = strings.TrimSpace(fallback)
		}
		if escape != nil {
			return escape(value)
		}
		return value
	})
}

// Engine renders step templates with contact variables
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render personalizes subject, HTML and text parts
func (e *Engine) Render(tmpl *Template, vars map[string]string) *RenderResult {
	return &RenderResult{
		Subject: Interpolate(tmpl.Subject, vars),
		HTML:    InterpolateHTML(tmpl.HTML, vars),
		Text:    Interpolate(tmpl.Text, vars),
	}
}

// Validate rejects content with unterminated placeholders
func (e *Engine) Validate(tmpl *Template) error {
	parts := []struct {
		name  string
		value string
	}{
		{"subject", tmpl.Subject},
		{"html", tmpl.HTML},
		{"text", tmpl.Text},
	}
	for _, p := range parts {
		if strings.Count(p.value, "{{") != strings.Count(p.value, "}}") {
			return fmt.Errorf("invalid %s template: unbalanced placeholder braces", p.name)
		}
	}
	return nil
}
