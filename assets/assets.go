// Package assets provides embedded assets for the zipfs program.
package assets

import _ "embed"

// Logo is a byte slice containing the embedded zipfs program logo.
//
//go:embed zipfs.png
var Logo []byte
