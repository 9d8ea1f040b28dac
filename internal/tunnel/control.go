package tunnel

// Sub-protocols declared in the open handshake.
const (
	ProtocolShell   = 1
	ProtocolDesktop = 2
)

// ControlMessage is the JSON control plane carried over text frames.
// Binary frames carry raw protocol payload and never use this shape.
type ControlMessage struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol,omitempty"`
	RelayID  string `json:"relay_id,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Action   string `json:"action,omitempty"`
	Status   string `json:"status,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Control message types used by the relay handshake.
const (
	msgHandshake = "handshake"
	msgPair      = "pair"
	msgPairAuth  = "pairauth"
	msgStatus    = "status"
)
