package models

const (
	ParticipantFarmer = "farmer"
	ParticipantBuyer  = "buyer"
	ParticipantAdmin  = "admin"
)

// Participant is read-only reference data about a chat user. Identity and
// profile live in the marketplace backend; this service only mirrors what
// the chat UI needs.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Type is one of farmer, buyer or admin.
	Type string `json:"type,omitempty"`
	// Online is filled from gateway presence at fetch time and never stored.
	Online bool `json:"online"`
}
