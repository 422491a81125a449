package realtime

import (
	"strings"
	"time"

	"propchat/cmd/internal/ids"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NormalizeID canonicalizes an identifier (trim + lower-case hex).
func NormalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidID reports whether s is a syntactically valid user/listing identifier.
// Identifiers are 24-char hex ObjectIDs, the id scheme of the marketplace's document database.
func ValidID(s string) bool {
	return primitive.IsValidObjectID(strings.TrimSpace(s))
}
