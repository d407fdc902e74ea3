package model

import (
	"os"
	"sort"
	"strings"
	"time"
)

// FileEntry is one item of a remote directory listing.
type FileEntry struct {
	Name        string    `json:"name"`
	IsDirectory bool      `json:"isDirectory"`
	Size        int64     `json:"size"`
	Permissions string    `json:"permissions"`
	ModTime     time.Time `json:"mtime"`
}

// NewFileEntry builds an entry from a remote stat result.
func NewFileEntry(fi os.FileInfo) FileEntry {
	perm := fi.Mode().String()
	return FileEntry{
		Name:        fi.Name(),
		IsDirectory: fi.IsDir() || strings.HasPrefix(perm, "d"),
		Size:        fi.Size(),
		Permissions: perm,
		ModTime:     fi.ModTime(),
	}
}

// SortEntries orders entries by name ascending; on equal names directories
// come first.
func SortEntries(entries []FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.IsDirectory && !b.IsDirectory
	})
}

// Direction of a file transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransferProgress reports how far a transfer has come.
type TransferProgress struct {
	SessionID        SessionID `json:"sessionId"`
	ReqID            string    `json:"reqId"`
	Direction        Direction `json:"direction"`
	Filename         string    `json:"filename"`
	BytesTransferred int64     `json:"bytesTransferred"`
	BytesTotal       int64     `json:"bytesTotal"`
}

// Clamp keeps the transferred count within [0, total].
func (p TransferProgress) Clamp() TransferProgress {
	if p.BytesTransferred < 0 {
		p.BytesTransferred = 0
	}
	if p.BytesTotal >= 0 && p.BytesTransferred > p.BytesTotal {
		p.BytesTransferred = p.BytesTotal
	}
	return p
}

// Done reports whether the transfer is complete.
func (p TransferProgress) Done() bool {
	return p.BytesTransferred == p.BytesTotal
}

// Stats is one sample of remote host load.
type Stats struct {
	CPU      float64 `json:"cpu"`
	RAMUsed  int64   `json:"ramUsed"`
	RAMTotal int64   `json:"ramTotal"`
	Disk     string  `json:"disk"`
	Uptime   string  `json:"uptime"`
}
