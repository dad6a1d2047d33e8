// Package media classifies uploaded files and builds the file descriptors the
// upstream chat API expects in a message's files list.
package media

import (
	"path"
	"strings"
)

// File types accepted by the STS grant endpoint.
const (
	TypeImage = "image"
	TypeVideo = "video"
	TypeFile  = "file"
)

// Class pairs the upstream showType with its file_class.
type Class struct {
	ShowType  string
	FileClass string
}

var (
	ClassImage    = Class{ShowType: "image", FileClass: "vision"}
	ClassVideo    = Class{ShowType: "video", FileClass: "video"}
	ClassDocument = Class{ShowType: "file", FileClass: "document"}
)

// ClassOf maps a file type to its display class.
func ClassOf(fileType string) Class {
	switch fileType {
	case TypeImage:
		return ClassImage
	case TypeVideo:
		return ClassVideo
	default:
		return ClassDocument
	}
}

var videoExts = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true, ".webm": true,
	".mkv": true, ".m4v": true, ".3gp": true, ".m2ts": true, ".qt": true,
}

const (
	mimeWord  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeExcel = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePPT   = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

// contentTypes is checked in order: images, videos, documents, text.
var contentTypes = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif",
	".webp": "image/webp", ".bmp": "image/bmp", ".tiff": "image/tiff",

	".mp4": "video/mp4", ".avi": "video/x-msvideo", ".mov": "video/quicktime", ".qt": "video/quicktime",
	".wmv": "video/x-ms-wmv", ".flv": "video/x-flv", ".webm": "video/webm", ".mkv": "video/x-matroska",
	".m4v": "video/x-m4v", ".3gp": "video/3gpp", ".m2ts": "video/mp2t",

	".pdf": "application/pdf",
	".doc": mimeWord, ".docx": mimeWord,
	".xls": mimeExcel, ".xlsx": mimeExcel,
	".ppt": mimePPT, ".pptx": mimePPT,

	".txt": "text/plain", ".md": "text/markdown", ".csv": "text/csv", ".json": "application/json",
	".xml": "application/xml", ".yaml": "application/x-yaml", ".yml": "application/x-yaml",
}

// imageUploadTypes is the wider table used by the image upload form.
var imageUploadTypes = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif",
	".webp": "image/webp", ".bmp": "image/bmp", ".tiff": "image/tiff",
	".svg": "image/svg+xml", ".ico": "image/x-icon",
}

func ext(filename string) string {
	return strings.ToLower(path.Ext(filename))
}

// FileType returns image, video or file for the STS grant.
func FileType(filename, contentType string) string {
	if strings.HasPrefix(contentType, "image/") {
		return TypeImage
	}
	if strings.HasPrefix(contentType, "video/") || videoExts[ext(filename)] {
		return TypeVideo
	}
	return TypeFile
}

// ContentType picks a MIME type from the extension, falling back to provided
// and then application/octet-stream.
func ContentType(filename, provided string) string {
	if filename != "" {
		if ct, ok := contentTypes[ext(filename)]; ok {
			return ct
		}
	}
	if provided != "" {
		return provided
	}
	return "application/octet-stream"
}

// ImageContentType resolves the type of an uploaded image; unknown extensions
// use provided, else image/jpeg.
func ImageContentType(filename, provided string) string {
	if ct, ok := imageUploadTypes[ext(filename)]; ok {
		return ct
	}
	if provided != "" {
		return provided
	}
	return "image/jpeg"
}
