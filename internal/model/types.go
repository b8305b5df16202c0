package model

import (
	"time"

	"github.com/google/uuid"
)

// Role classifies a tracked actor.
type Role string

const (
	RoleVendor   Role = "vendor"
	RoleConsumer Role = "consumer"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleVendor || r == RoleConsumer
}

// ConnectionStatus describes the liveness of an entity's session.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Position is a point observation reported by a client device.
type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

// Zero reports whether the position has never been set.
func (p Position) Zero() bool {
	return p.CapturedAt.IsZero()
}

// Entity is the live record for a connected or recently seen actor.
type Entity struct {
	ID             string           `json:"id"`
	Role           Role             `json:"role"`
	DisplayName    string           `json:"display_name"`
	Position       Position         `json:"position"`
	Status         ConnectionStatus `json:"status"`
	ActiveProducts []string         `json:"active_products,omitempty"`
	LastSeenAt     time.Time        `json:"last_seen_at"`
}

// LocationUpdate is the inbound tick message. It is transient: validated,
// applied to the entity record, and discarded.
type LocationUpdate struct {
	EntityID   string    `json:"entity_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// RejectReason explains why a location update was not applied.
type RejectReason string

const (
	RejectStale              RejectReason = "stale"
	RejectInvalidCoordinates RejectReason = "invalidCoordinates"
	RejectUnknownEntity      RejectReason = "unknownEntity"
	RejectRateLimited        RejectReason = "rateLimited"
	RejectUnauthenticated    RejectReason = "unauthenticated"
)

// UpdateResult reports the outcome of applying a location update.
type UpdateResult struct {
	Accepted bool
	Reason   RejectReason
	// Entity is a snapshot of the record after a successful apply.
	Entity Entity
}

// PairStatus is the proximity state of one (consumer, vendor) pair.
type PairStatus string

const (
	PairFar             PairStatus = "FAR"
	PairNear            PairStatus = "NEAR"
	PairDepartedPending PairStatus = "DEPARTED_PENDING"
)

// EventKind names the outbound notification vocabulary.
type EventKind string

const (
	EventVendorNearby       EventKind = "vendor-nearby"
	EventVendorDeparted     EventKind = "vendor-departed"
	EventVendorLocation     EventKind = "vendor-location-updated"
	EventUpdateConfirmation EventKind = "location-update-confirmed"
)

// NotificationEvent is a single outbound message addressed to one consumer.
type NotificationEvent struct {
	ID         uuid.UUID   `json:"id"`
	Kind       EventKind   `json:"kind"`
	ConsumerID string      `json:"consumer_id"`
	VendorID   string      `json:"vendor_id,omitempty"`
	Payload    interface{} `json:"payload"`
	EmittedAt  time.Time   `json:"emitted_at"`
}

// VendorNearbyPayload accompanies EventVendorNearby.
type VendorNearbyPayload struct {
	VendorID   string    `json:"vendor_id"`
	VendorName string    `json:"vendor_name"`
	DistanceM  float64   `json:"distance_meters"`
	Products   []string  `json:"products,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// VendorDepartedPayload accompanies EventVendorDeparted.
type VendorDepartedPayload struct {
	VendorID  string    `json:"vendor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinates is a bare lat/lon pair used in tracking payloads.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VendorLocationPayload accompanies EventVendorLocation for pairs that are
// already NEAR, so a client can move the vendor marker live.
type VendorLocationPayload struct {
	VendorID    string      `json:"vendor_id"`
	Coordinates Coordinates `json:"coordinates"`
	DistanceM   float64     `json:"distance_meters"`
	IsActive    bool        `json:"is_active"`
	Timestamp   time.Time   `json:"timestamp"`
}

// UpdateConfirmation accompanies EventUpdateConfirmation. It is only ever
// delivered synchronously on the connection that sent the update.
type UpdateConfirmation struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// VendorProfile is the slow-changing vendor data persisted across restarts
// and used to enrich nearby notifications.
type VendorProfile struct {
	VendorID    string    `json:"vendor_id"`
	DisplayName string    `json:"display_name"`
	Products    []string  `json:"products,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RejectedUpdate is a journaled record of a tick that failed validation.
type RejectedUpdate struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
	Payload  string `json:"payload"`
}

// StoredRejectedUpdate extends RejectedUpdate with journal metadata.
type StoredRejectedUpdate struct {
	RejectedUpdate
	CreatedAt time.Time `json:"created_at"`
}

// NewEventID allocates an identifier for an outbound notification.
func NewEventID() uuid.UUID {
	return uuid.New()
}
