package response

import (
	"path"
	"strings"
)

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".png":  "image/png",
	".css":  "text/css",
	".au":   "audio/basic",
	".wav":  "audio/wav",
	".avi":  "video/x-msvideo",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".mp3":  "audio/mpeg",
}

// ContentType maps the extension of name to a content type. It returns ""
// for extensions outside the fixed table.
func ContentType(name string) string {
	ext := path.Ext(name)
	if ext == "" || strings.ContainsRune(ext, '/') {
		return ""
	}
	return contentTypes[ext]
}
