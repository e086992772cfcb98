package rewrite

import (
	"path"
	"strings"
)

// Eligible reports whether a response should go through the HTML rewrite path.
// urlPath is the request path without the query string.
func Eligible(urlPath, contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html") && IsPageLike(urlPath)
}

// IsPageLike reports whether the last path segment has no extension or ends in .html.
func IsPageLike(urlPath string) bool {
	ext := strings.ToLower(path.Ext(urlPath))
	return ext == "" || ext == ".html"
}
