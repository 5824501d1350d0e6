// Package web holds the browser log viewer bundle served by the gateway.
package web

import (
	"embed"
	"io/fs"
)

//go:embed index.html login.html main.js login.js style.css
var bundle embed.FS

// Assets returns the embedded viewer files rooted at the bundle directory.
func Assets() fs.FS {
	return bundle
}
