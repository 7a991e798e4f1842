// Package web embeds the HTML templates served to the human editing surface.
package web

import "embed"

//go:embed templates/*.html
var TemplateFiles embed.FS
