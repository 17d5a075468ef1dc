package models

import "github.com/google/uuid"

// Version is one accepted delta in a client's chain. The history segment is
// an opaque encrypted blob; the server never inspects it.
type Version struct {
	ClientID        uuid.UUID `json:"client_id"`
	VersionID       uuid.UUID `json:"version_id"`
	ParentVersionID uuid.UUID `json:"parent_version_id"`
	HistorySegment  []byte    `json:"history_segment"`
}
