package minicord

// Status is the presence status advertised to the gateway.
type Status string

const (
	StatusOnline       Status = "online"
	StatusDoNotDisturb Status = "dnd"
	StatusIdle         Status = "idle"
	StatusInvisible    Status = "invisible"
	StatusOffline      Status = "offline"
)

// ActivityType enumerates the gateway activity kinds.
// See https://discord.com/developers/docs/topics/gateway-events#activity-object-activity-types
type ActivityType int

const (
	ActivityGame ActivityType = iota
	ActivityStreaming
	ActivityListening
	ActivityWatching
	ActivityCustom
	ActivityCompeting
)

// Activity is a single entry of a presence block.
type Activity struct {
	Name string       `json:"name"`
	Type ActivityType `json:"type"`
	URL  string       `json:"url,omitempty"`
}

// Presence is the presence block carried by identify and presence
// update payloads.
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     Status     `json:"status"`
	AFK        bool       `json:"afk"`
}
