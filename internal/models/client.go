package models

import (
	"time"

	"github.com/google/uuid"
)

// NilVersionID is the distinguished "no version" value. A client whose
// LatestVersionID equals NilVersionID has an empty version chain.
var NilVersionID = uuid.Nil

// Client is the stored metadata for one synchronizing task database.
type Client struct {
	ID              uuid.UUID `json:"id"`
	LatestVersionID uuid.UUID `json:"latest_version_id"`
	Snapshot        *Snapshot `json:"snapshot,omitempty"`
}

// Snapshot is the metadata about a client's most recent snapshot, not
// including the snapshot blob itself.
type Snapshot struct {
	VersionID     uuid.UUID `json:"version_id"`
	Timestamp     time.Time `json:"timestamp"`
	VersionsSince int64     `json:"versions_since"`
}
