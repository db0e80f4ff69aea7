package kvstore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// forbiddenFilenameChars are disallowed in a store path: `<>:"|?*`.
const forbiddenFilenameChars = `<>:"|?*`

// backendKind selects which concrete backend a filename maps to.
type backendKind int

const (
	backendDocfile backendKind = iota
	backendTable
)

// resolveFilename validates path and resolves the backend kind implied
// by its extension.
func resolveFilename(path string) (backendKind, error) {
	if path == "" {
		return 0, fmt.Errorf("kvstore: filename must not be empty")
	}
	if len(path) > 255 {
		return 0, fmt.Errorf("kvstore: filename exceeds 255 characters")
	}
	for _, r := range path {
		if r < 0x20 {
			return 0, fmt.Errorf("kvstore: filename contains a control character")
		}
	}
	if strings.ContainsAny(path, forbiddenFilenameChars) {
		return 0, fmt.Errorf("kvstore: filename contains a forbidden character (%s)", forbiddenFilenameChars)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return backendDocfile, nil
	case ".db", ".sqlite":
		return backendTable, nil
	default:
		return 0, fmt.Errorf("kvstore: unrecognized filename extension %q", filepath.Ext(path))
	}
}
