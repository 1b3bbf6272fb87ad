package protocol

// WELCOME (server -> client), sent once per feed connection.
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	WorldManifest   []WorldRef `json:"world_manifest"`
}

type WorldRef struct {
	WorldID         string  `json:"world_id"`
	WorldType       string  `json:"world_type,omitempty"`
	Arrival         string  `json:"arrival"`
	CoordinateScale float64 `json:"coordinate_scale"`
	EntryPointID    string  `json:"entry_point_id,omitempty"`
	BoundaryR       int     `json:"boundary_r"`
}

// SUBSCRIBE (client -> server). An empty Worlds list means every world.
// Visibility changes are only streamed when asked for.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Worlds          []string `json:"worlds,omitempty"`
	Visibility      bool     `json:"visibility,omitempty"`
}

// RELOCATION (server -> client): one relocation state change.
type RelocationMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	Event           RelocationEvent `json:"event"`
}

type RelocationEvent struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	Cause     string     `json:"cause,omitempty"`
	Entity    string     `json:"entity"`
	Kind      string     `json:"kind,omitempty"`
	FromWorld string     `json:"from_world"`
	From      [3]float64 `json:"from"`
	ToWorld   string     `json:"to_world,omitempty"`
	To        [3]float64 `json:"to"`
	Outcome   string     `json:"outcome,omitempty"`
	Portal    *PortalRef `json:"portal,omitempty"`
	Nodes     int        `json:"nodes"`
	Fast      bool       `json:"fast,omitempty"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
	At        string     `json:"at"`
}

type PortalRef struct {
	Min     [3]int `json:"min"`
	Axis    string `json:"axis"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Created bool   `json:"created"`
}

// VISIBILITY (server -> client): an observer started or stopped seeing an
// entity.
type VisibilityMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Seq             uint64    `json:"seq"`
	WorldID         string    `json:"world_id"`
	Change          string    `json:"change"`
	Observer        string    `json:"observer"`
	Entity          EntityRef `json:"entity"`
}

type EntityRef struct {
	UUID  string     `json:"uuid"`
	Kind  string     `json:"kind"`
	Pos   [3]float64 `json:"pos"`
	Yaw   float64    `json:"yaw"`
	Pitch float64    `json:"pitch"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
