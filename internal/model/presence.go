package model

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
	// PresenceUnknown: подписка на статус упала или записи нет.
	PresenceUnknown PresenceState = "unknown"
)

// Presence: запись status/{userId}. LastChanged — серверное время в мс.
type Presence struct {
	State       PresenceState `json:"state"`
	LastChanged int64         `json:"last_changed"`
}

func (p Presence) Online() bool { return p.State == PresenceOnline }
