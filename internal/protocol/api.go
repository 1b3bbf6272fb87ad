package protocol

// HTTP control API bodies.

type SpawnReq struct {
	World string     `json:"world,omitempty"`
	Kind  string     `json:"kind"`
	Pos   [3]float64 `json:"pos"`
}

type MountReq struct {
	Rider   string `json:"rider"`
	Vehicle string `json:"vehicle"`
}

type TeleportReq struct {
	Entity          string     `json:"entity"`
	World           string     `json:"world,omitempty"`
	Pos             [3]float64 `json:"pos"`
	Yaw             float64    `json:"yaw,omitempty"`
	Pitch           float64    `json:"pitch,omitempty"`
	LoadChunks      bool       `json:"load_chunks,omitempty"`
	CarryPassengers bool       `json:"carry_passengers,omitempty"`
	Unmount         bool       `json:"unmount,omitempty"`
}

type PortalReq struct {
	Entity  string `json:"entity"`
	ToWorld string `json:"to_world"`
	// Axis is "x" or "z"; empty means "x".
	Axis string `json:"axis,omitempty"`
}

type RelocationResp struct {
	OK       bool       `json:"ok"`
	Code     string     `json:"code,omitempty"`
	Message  string     `json:"message,omitempty"`
	ID       string     `json:"id,omitempty"`
	Outcome  string     `json:"outcome,omitempty"`
	Entity   *EntityRef `json:"entity,omitempty"`
	World    string     `json:"world,omitempty"`
	Portal   *PortalRef `json:"portal,omitempty"`
	Nodes    int        `json:"nodes,omitempty"`
	Fast     bool       `json:"fast,omitempty"`
	Duration string     `json:"duration,omitempty"`
}

type SpawnResp struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Entity  string `json:"entity,omitempty"`
	World   string `json:"world,omitempty"`
}
