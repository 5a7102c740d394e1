package models

import "time"

// FileInfo represents metadata about a saved capture file.
type FileInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"savedAt"`
	Tag     OriginTag `json:"tag"`
}
