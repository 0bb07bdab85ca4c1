// api/models/session.go
package models

import "time"

// Session is a shared workspace where participants pool spools
type Session struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OwnerID    string `json:"owner_id"`
	AccessCode string `json:"access_code"`
	// Participants is kept in join order.
	Participants []string  `json:"participants"`
	Filaments    []string  `json:"filaments"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Version uint64 `json:"-"`
}

// HasParticipant reports whether uid is a member of the session
func (s *Session) HasParticipant(uid string) bool {
	return contains(s.Participants, uid)
}

// HasFilament reports whether the filament is attached to the session
func (s *Session) HasFilament(filamentID string) bool {
	return contains(s.Filaments, filamentID)
}

// Without returns the participants other than uid, in join order
func (s *Session) Without(uid string) []string {
	remaining := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p != uid {
			remaining = append(remaining, p)
		}
	}
	return remaining
}

// NextOwner picks the owner after uid leaves: the current owner if it is
// someone else, otherwise the earliest joined remaining participant.
func (s *Session) NextOwner(leaving string) (string, bool) {
	remaining := s.Without(leaving)
	if len(remaining) == 0 {
		return "", false
	}
	if s.OwnerID != leaving && contains(remaining, s.OwnerID) {
		return s.OwnerID, true
	}
	return remaining[0], true
}

// SessionFilament tracks the remaining mass of one spool within a session
type SessionFilament struct {
	FilamentID     string    `json:"filament_id"`
	OwnerID        string    `json:"owner_id"`
	OriginalWeight int       `json:"original_weight"`
	CurrentWeight  int       `json:"current_weight"`
	AddedAt        time.Time `json:"added_at"`

	Version uint64 `json:"-"`
}

// Consumed returns the grams used within the session
func (f *SessionFilament) Consumed() int {
	return f.OriginalWeight - f.CurrentWeight
}

// Membership is the per-user pointer to a session the user belongs to
type Membership struct {
	SessionID string    `json:"session_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// AccessCodeReservation holds an access code while its session exists
type AccessCodeReservation struct {
	SessionID string `json:"session_id"`
}

// ClusterNode records the HTTP address of a raft node
type ClusterNode struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	HTTPAddr string `json:"http_addr"`
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
