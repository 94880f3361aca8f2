// Package assets embeds the files shipped inside the binaries: SQL migrations & email templates.
package assets

import "embed"

//go:embed migrations all:templates
var FS embed.FS
