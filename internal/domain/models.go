package domain

import "time"

// State is the closed set of conversation states.
type State string

const (
	// StateCollecting is the initial state: no birth data is known yet.
	StateCollecting State = "collecting"
	// StateClarifying means some fields are known and MissingFields are requested.
	StateClarifying State = "clarifying"
	// StateConfirming means every field is known and awaits user confirmation.
	StateConfirming State = "confirming"
	// StateReady means a chart exists and no question was asked about it yet.
	StateReady State = "ready"
	// StateChatting means the user is in an ongoing conversation about a chart.
	StateChatting State = "chatting"
)

// States lists every valid State.
var States = []State{StateCollecting, StateClarifying, StateConfirming, StateReady, StateChatting}

// Valid reports whether s is one of the closed set of states.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// HasChart reports whether s is only reachable after a chart was committed.
func (s State) HasChart() bool { return s == StateReady || s == StateChatting }

// ConversationState is the single per-user row driving the state machine.
//
// Invariants:
//   - State=StateConfirming implies Pending.Complete().
//   - State=StateClarifying implies MissingFields is non-empty and matches Pending.Missing().
//   - State.HasChart() implies ActiveProfileID is set.
//
// Version is bumped on every write so that concurrent writers from different
// processes cannot silently overwrite each other.
type ConversationState struct {
	UserID          string    `json:"user_id"                     gorm:"type:varchar(64);primaryKey"`
	State           State     `json:"state"                       gorm:"type:varchar(16);not null;default:'collecting';check:state IN ('collecting','clarifying','confirming','ready','chatting')"`
	Pending         BirthData `json:"pending_data"                gorm:"type:text;serializer:json"`
	MissingFields   []Field   `json:"missing_fields"              gorm:"type:text;serializer:json"`
	ActiveProfileID *string   `json:"active_profile_id,omitempty" gorm:"type:char(36)"`
	Version         int64     `json:"version"                     gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (ConversationState) TableName() string { return "conversation_states" }

// NewConversationState returns the initial state for a user never seen before.
func NewConversationState(userID string) ConversationState {
	return ConversationState{UserID: userID, State: StateCollecting}
}

// Role is the author of a ledger entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is user or assistant.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// LedgerEntry is one message of the bounded conversation history. Seq is
// strictly increasing per user; Pinned entries (the opening exchange) are
// never evicted.
type LedgerEntry struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_user_seq,priority:1"`
	Seq       int64     `json:"seq"        gorm:"not null;uniqueIndex:ux_ledger_user_seq,priority:2"`
	Role      Role      `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	Pinned    bool      `json:"pinned"     gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName implements the GORM tabler interface.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// ProfileKind distinguishes the user's own chart from charts of other people.
type ProfileKind string

const (
	ProfileSelf  ProfileKind = "self"
	ProfileOther ProfileKind = "other"
)

// Profile is a committed chart together with the birth data it was built
// from. ChartData is an opaque JSON document produced by the chart engine.
type Profile struct {
	ID            string      `json:"id"             gorm:"type:char(36);primaryKey"`
	UserID        string      `json:"user_id"        gorm:"type:varchar(64);not null;index:idx_profiles_user"`
	Name          string      `json:"name"           gorm:"type:varchar(128);not null;default:''"`
	Kind          ProfileKind `json:"kind"           gorm:"type:varchar(16);not null;default:'self';check:kind IN ('self','other')"`
	Birth         BirthData   `json:"birth"          gorm:"type:text;serializer:json"`
	ChartID       string      `json:"chart_id"       gorm:"type:varchar(64);not null"`
	ChartData     string      `json:"chart_data"     gorm:"type:text;not null"`
	EngineVersion string      `json:"engine_version" gorm:"type:varchar(32);not null"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TableName implements the GORM tabler interface.
func (Profile) TableName() string { return "profiles" }

// DisplayName is how the bot refers to the profile in replies.
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	if p.Kind == ProfileSelf || p.Kind == "" {
		return "you"
	}
	return "unnamed"
}
