package web

import "embed"

// FS contains the embedded upload page.
//
//go:embed index.html
var FS embed.FS
