package model

import (
	"fmt"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/mykhaliev/mcp-chaos-harness/templates"
)

// RenderTemplate executes a Handlebars template against context with the
// harness helpers (randomValue, now, faker, replace) available. Strings
// without "{{" are returned as-is.
func RenderTemplate(input string, context map[string]string) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}
	templates.Register()

	tmpl, err := raymond.Parse(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %q: %w", input, err)
	}

	output, err := tmpl.Exec(context)
	if err != nil {
		return "", fmt.Errorf("failed to execute template %q: %w", input, err)
	}

	return output, nil
}
