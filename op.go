package minicord

import (
	"encoding/json"
	"strconv"
)

// GatewayOp identifies the intent of a gateway payload. The wire values
// are fixed by the gateway protocol.
// See https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway
type GatewayOp int

const (
	OpDispatch            GatewayOp = 0
	OpHeartbeat           GatewayOp = 1
	OpIdentify            GatewayOp = 2
	OpPresenceUpdate      GatewayOp = 3
	OpVoiceStateUpdate    GatewayOp = 4
	OpResume              GatewayOp = 6
	OpReconnect           GatewayOp = 7
	OpRequestGuildMembers GatewayOp = 8
	OpInvalidSession      GatewayOp = 9
	OpHello               GatewayOp = 10
	OpHeartbeatAck        GatewayOp = 11
)

func (op GatewayOp) String() string {
	switch op {
	case OpDispatch:
		return "Dispatch"
	case OpHeartbeat:
		return "Heartbeat"
	case OpIdentify:
		return "Identify"
	case OpPresenceUpdate:
		return "PresenceUpdate"
	case OpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case OpResume:
		return "Resume"
	case OpReconnect:
		return "Reconnect"
	case OpRequestGuildMembers:
		return "RequestGuildMembers"
	case OpInvalidSession:
		return "InvalidSession"
	case OpHello:
		return "Hello"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	}
	return "GatewayOp(" + strconv.Itoa(int(op)) + ")"
}

// payload is an inbound gateway message. The body stays opaque raw JSON,
// sequence and event name are present on dispatch payloads only.
type payload struct {
	Op GatewayOp       `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// outPayload is an outbound gateway message with an arbitrary body.
type outPayload struct {
	Op GatewayOp   `json:"op"`
	D  interface{} `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
	Presence   *Presence          `json:"presence,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       *int64 `json:"seq"`
}
