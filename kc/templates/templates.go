package templates

// Embed dashboard.html and base.html in this package

import (
	"embed"
)

//go:embed dashboard.html base.html
var FS embed.FS
