// Package templates embeds the default prompt templates and config file.
package templates

import "embed"

//go:embed planner.tmpl executor.tmpl config.yaml
var FS embed.FS
