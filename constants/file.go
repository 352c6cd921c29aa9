package constants

import "strings"

// FileTypes holds the processor routing types for submitted tasks.
var FileTypes = []string{"pdf", "ppt", "office"}

// AllowedExtensions holds the default allowed file extensions for scanning.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"ppt":  {},
	"pptx": {},
	"doc":  {},
	"docx": {},
	"xls":  {},
	"xlsx": {},
	"txt":  {},
	"md":   {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MapExtToFileType maps a normalized extension to the processor route
// used when submitting a task. Unknown extensions map to "".
func MapExtToFileType(ext string) string {
	switch NormalizeExt(ext) {
	case "pdf", "jpg", "jpeg", "png":
		return "pdf"
	case "ppt", "pptx":
		return "ppt"
	case "doc", "docx", "xls", "xlsx", "txt", "md":
		return "office"
	default:
		return ""
	}
}
