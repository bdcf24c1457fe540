package monitor

import (
	"path/filepath"
	"strings"
)

// Simplify turns a raw script path into a resource key.
//
// Separators ('/' and '\') are collapsed, empty, "." and ".." segments are
// dropped and the result is rooted at "/". ".." is dropped rather than
// resolved so a key can never climb above the document root. An input
// without any segment yields "".
func Simplify(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)

	for _, seg := range strings.FieldsFunc(raw, isSeparator) {
		if seg == "." || seg == ".." {
			continue
		}
		b.WriteByte('/')
		b.WriteString(seg)
	}

	return b.String()
}

// Dir returns the directory part of a key, "/" for top-level keys.
func Dir(key string) string {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "/"
	}

	return key[:i]
}

// Ext returns the lower-cased extension of a key including the dot.
func Ext(key string) string {
	return strings.ToLower(filepath.Ext(key))
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
