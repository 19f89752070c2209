package util

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewJobID returns a random UUIDv4 string used as a job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// NewRecordID returns a ULID string used for history and provenance records.
// ULIDs sort lexicographically by creation time, which keeps history listings
// cheap without an extra index.
func NewRecordID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}
