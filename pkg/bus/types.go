package bus

// InboundFrame is one raw payload received by a transport from a group.
// SenderID is the transport-level identity of whoever sent it, which may
// differ from the envelope's own sender id.
type InboundFrame struct {
	Transport string `json:"transport"`
	GroupID   string `json:"group_id"`
	SenderID  string `json:"sender_id"`
	Payload   []byte `json:"payload"`
}
