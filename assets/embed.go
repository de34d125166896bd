// Package assets embeds the browser DMTP client.
package assets

import (
	"embed"
	"io/fs"
)

const (
	// ScriptName is the readable client script.
	ScriptName = "dmtp.js"
	// MinScriptName is the minified client script, produced at startup.
	MinScriptName = "dmtp.min.js"
)

//go:embed dist/dmtp.js
var dist embed.FS

// FS returns the embedded dist directory.
func FS() fs.FS {
	sub, err := fs.Sub(dist, "dist")
	if err != nil {
		panic(err)
	}
	return sub
}

// Script returns the readable client source.
func Script() []byte {
	data, err := dist.ReadFile("dist/" + ScriptName)
	if err != nil {
		panic(err)
	}
	return data
}
