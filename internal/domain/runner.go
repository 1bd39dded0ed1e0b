package domain

import "time"

// RunnerHandle identifies a registered runner and its last-known health
type RunnerHandle struct {
	ID          string       `json:"id"`
	BaseAddress string       `json:"base_address"`
	OS          string       `json:"os"`
	Status      RunnerStatus `json:"status"`
	LastSeen    time.Time    `json:"last_seen,omitempty"`
}

// BuildVersion describes one uploaded, checksum-verified build archive
type BuildVersion struct {
	Name          string    `json:"name"`
	OS            string    `json:"os"`
	VersionPrefix string    `json:"version_prefix"`
	Checksum      string    `json:"checksum"`
	UploadDate    time.Time `json:"upload_date"`
	Size          int64     `json:"size"`
}

// Filename is the storage key of the archive
func (v BuildVersion) Filename() string {
	return v.Name + ".zip"
}
