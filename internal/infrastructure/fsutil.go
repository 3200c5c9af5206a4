package infrastructure

import (
	"mime"
	"net/url"
	"regexp"
	"strings"
)

// illegalNameChars are removed from folder and file names
const illegalNameChars = `<>:"/\|?*`

var dispositionFilename = regexp.MustCompile(`filename="([^"]+)"`)

// SanitizeName strips characters that are illegal in file names on common
// filesystems. Names that reduce to nothing, "." or ".." return "".
func SanitizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(illegalNameChars, r) {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "." || cleaned == ".." {
		return ""
	}
	return cleaned
}

// ContentDispositionFilename extracts a safe filename from a
// Content-Disposition header value, or "" when there is none.
func ContentDispositionFilename(header string) string {
	if header == "" {
		return ""
	}

	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if m := dispositionFilename.FindStringSubmatch(header); m != nil {
			name = m[1]
		}
	}
	if name == "" {
		return ""
	}

	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return SanitizeName(name)
}
