package web

import (
	"html/template"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplatesParse(t *testing.T) {
	tmpl, err := template.ParseFS(TemplateFiles, "templates/*.html")
	require.NoError(t, err)

	for _, name := range []string{"index.html", "settings.html", "submitted.html", "error.html"} {
		assert.NotNil(t, tmpl.Lookup(name), name)
	}
}
