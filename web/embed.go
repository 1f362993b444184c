package web

import "embed"

// FS contains all embedded web assets.
//
//go:embed *.html
var FS embed.FS
