package camera

import (
	"crypto/sha1"
	"encoding/hex"
)

// ID identifies a camera. It is derived from the source URI only, so
// registering the same URI twice always yields the same ID.
type ID string

// NewID returns the SHA-1 hex digest of uri.
func NewID(uri string) ID {
	sum := sha1.Sum([]byte(uri))
	return ID(hex.EncodeToString(sum[:]))
}

func (id ID) String() string {
	return string(id)
}

// StreamPath is the path the camera's annotated stream is published under on
// the output server.
func (id ID) StreamPath() string {
	return "live/" + string(id)
}
