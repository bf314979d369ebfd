// Package domain contains entity meta-data and value types without logic.
package domain

import "github.com/google/uuid"

type (
	RoomID         string
	UserID         string
	MediaSessionID string
	MediaID        string
	HostID         string
	ElementID      string
)

// NewID is the single id generator for every entity in the control plane.
// Collisions are treated as fatal by the callers that index by id.
func NewID() string { return uuid.NewString() }
