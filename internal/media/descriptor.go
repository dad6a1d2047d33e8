package media

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileMeta is the nested meta block of a descriptor.
type FileMeta struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// FileRecord is the nested file block of a descriptor.
type FileRecord struct {
	CreatedAt int64    `json:"created_at"`
	Data      struct{} `json:"data"`
	Filename  string   `json:"filename"`
	Hash      *string  `json:"hash"`
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Meta      FileMeta `json:"meta"`
	UpdateAt  int64    `json:"update_at"`
}

// Descriptor is one entry of the upstream message files list.
type Descriptor struct {
	Type           string     `json:"type"`
	File           FileRecord `json:"file"`
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Name           string     `json:"name"`
	CollectionName string     `json:"collection_name"`
	Progress       int        `json:"progress"`
	Status         string     `json:"status"`
	GreenNet       string     `json:"greenNet"`
	Size           int64      `json:"size"`
	Error          string     `json:"error"`
	ItemID         string     `json:"itemId"`
	FileType       string     `json:"file_type"`
	ShowType       string     `json:"showType"`
	FileClass      string     `json:"file_class"`
	UploadTaskID   string     `json:"uploadTaskId"`
}

// Source describes an object that is already reachable by URL.
type Source struct {
	FileID      string
	Filename    string
	URL         string
	FileType    string
	ContentType string
	Size        int64
	UserID      string
}

// NewDescriptor fills the upstream descriptor for src. Empty FileID and
// UserID get a random id and "unknown".
func NewDescriptor(src Source, now time.Time) Descriptor {
	if src.FileID == "" {
		src.FileID = uuid.NewString()
	}
	if src.UserID == "" {
		src.UserID = "unknown"
	}
	ms := now.UnixMilli()
	class := ClassOf(src.FileType)
	return Descriptor{
		Type: src.FileType,
		File: FileRecord{
			CreatedAt: ms,
			Filename:  src.Filename,
			ID:        src.FileID,
			UserID:    src.UserID,
			Meta:      FileMeta{Name: src.Filename, Size: src.Size, ContentType: src.ContentType},
			UpdateAt:  ms,
		},
		ID:           src.FileID,
		URL:          src.URL,
		Name:         src.Filename,
		Status:       "uploaded",
		GreenNet:     "success",
		Size:         src.Size,
		ItemID:       uuid.NewString(),
		FileType:     src.ContentType,
		ShowType:     class.ShowType,
		FileClass:    class.FileClass,
		UploadTaskID: uuid.NewString(),
	}
}

const defaultURLFilename = "uploaded_file.txt"

// FromURL derives a descriptor from an object URL following the
// <user>/<fileid>_<name> path convention. Size is unknown and reported as 0.
func FromURL(rawURL, userID string, now time.Time) Descriptor {
	src := Source{Filename: defaultURLFilename, URL: rawURL, UserID: userID}
	if u, err := url.Parse(rawURL); err == nil {
		segments := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
		if len(segments) >= 2 {
			if id, name, ok := strings.Cut(segments[len(segments)-1], "_"); ok {
				src.FileID = id
				if unescaped, err := url.PathUnescape(name); err == nil {
					name = unescaped
				}
				src.Filename = name
			}
		}
	}
	src.FileType = FileType(src.Filename, "")
	src.ContentType = ContentType(src.Filename, "")
	return NewDescriptor(src, now)
}
