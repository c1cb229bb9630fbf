package store

import (
	"time"

	"aircontrolbase-go-home/internal/cloud"
)

// Device is the persisted record of one indoor unit.
type Device struct {
	ID           string        `json:"id"`
	FriendlyName string        `json:"friendly_name,omitempty"`
	Snapshot     *cloud.Device `json:"snapshot,omitempty"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
}

// DisplayName returns the friendly name, falling back to the vendor name and then the id.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Snapshot != nil && d.Snapshot.Name != "" {
		return d.Snapshot.Name
	}
	return d.ID
}

// Session is a saved vendor login.
// Cookie is hidden from API/JSON serialization via json:"-".
type Session struct {
	Email   string    `json:"email"`
	UserID  string    `json:"user_id"`
	Cookie  string    `json:"-"`
	SavedAt time.Time `json:"saved_at"`
}

// Cloud converts the record into a client session.
func (s *Session) Cloud() cloud.Session {
	return cloud.Session{UserID: s.UserID, Cookie: s.Cookie}
}

// sessionStorage is the internal struct used for DB serialization,
// preserving the cookie on disk.
type sessionStorage struct {
	Email   string    `json:"email"`
	UserID  string    `json:"user_id"`
	Cookie  string    `json:"cookie,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}
