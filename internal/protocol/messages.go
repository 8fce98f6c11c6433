package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	Zstd     bool `json:"zstd,omitempty"`
	MaxQueue int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ClientID        string   `json:"client_id"`
	Tick            uint64   `json:"tick"`
	SimRateHz       int      `json:"sim_rate_hz"`
	FlushRateHz     int      `json:"flush_rate_hz"`
	Channels        []string `json:"channels"`
	Compression     string   `json:"compression,omitempty"`
}

// WATCH (client -> server): scope stockpile and reservation streams to one owner.
type WatchMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Target          Target `json:"target"`
}

// Target addresses one stockpile owner.
type Target struct {
	OwnerKind string `json:"owner_kind"`
	OwnerID   string `json:"owner_id"`
}

const (
	OwnerFaction = "FACTION"
	OwnerUnit    = "UNIT"
)

func (t Target) Valid() bool {
	return (t.OwnerKind == OwnerFaction || t.OwnerKind == OwnerUnit) && t.OwnerID != ""
}

func (t Target) String() string { return t.OwnerKind + ":" + t.OwnerID }

// ENTITY_FULL (server -> client): complete record set for one channel.
type EntityFullMsg[R any] struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Channel         string `json:"channel"`
	Seq             uint64 `json:"seq"`
	Tick            uint64 `json:"tick"`
	Records         []R    `json:"records"`
}

// ENTITY_UPDATE (server -> client): coalesced partial records keyed by id.
type EntityUpdateMsg[P any] struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Channel         string       `json:"channel"`
	Seq             uint64       `json:"seq"`
	Tick            uint64       `json:"tick"`
	Changes         map[string]P `json:"changes"`
}

// UNITS_SPAWNED (server -> client): new units extend the identifier universe.
type UnitsSpawnedMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Seq             uint64       `json:"seq"`
	Tick            uint64       `json:"tick"`
	Records         []UnitRecord `json:"records"`
}

// UNITS_REMOVED (server -> client)
type UnitsRemovedMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Seq             uint64   `json:"seq"`
	Tick            uint64   `json:"tick"`
	IDs             []string `json:"ids"`
}

// TYPE_DEFS (server -> client): equipment type definitions.
type TypeDefsMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Seq             uint64    `json:"seq"`
	Types           []TypeDef `json:"types"`
}

type TypeDef struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Name     string `json:"name,omitempty"`
}

// Stockpile message kinds.
const (
	KindSnapshot = "snapshot"
	KindDelta    = "delta"
)

// STOCKPILE (server -> client)
type StockpileMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Kind            string           `json:"kind"`
	Seq             uint64           `json:"seq"`
	Tick            uint64           `json:"tick"`
	Target          Target           `json:"target"`
	Entries         []StockpileEntry `json:"entries"`
}

type StockpileEntry struct {
	Category string `json:"category"`
	TypeID   string `json:"type_id"`
	Count    int    `json:"count"`
}

// Reservation message kinds.
const (
	KindCreate   = "create"
	KindProgress = "progress"
	KindDone     = "done"
	KindCancel   = "cancel"
)

// RESERVATION (server -> client)
type ReservationMsg struct {
	Type               string            `json:"type"`
	ProtocolVersion    string            `json:"protocol_version"`
	Kind               string            `json:"kind"`
	Seq                uint64            `json:"seq"`
	OwnerID            string            `json:"owner_id"`
	UnitID             string            `json:"unit_id,omitempty"`
	ReservationID      string            `json:"reservation_id,omitempty"`
	Requirements       []Requirement     `json:"requirements,omitempty"`
	DeliveredBreakdown []DeliveredType   `json:"delivered_breakdown,omitempty"`
	Reservations       []ReservationWire `json:"reservations,omitempty"`
	// Target is set on a snapshot that answers a WATCH.
	Target *Target `json:"target,omitempty"`
}

type Requirement struct {
	Archetype string `json:"archetype"`
	Needed    int    `json:"needed"`
	Delivered int    `json:"delivered"`
}

type DeliveredType struct {
	TypeID string `json:"type_id"`
	Count  int    `json:"count"`
}

type ReservationWire struct {
	ReservationID string        `json:"reservation_id"`
	UnitID        string        `json:"unit_id,omitempty"`
	Requirements  []Requirement `json:"requirements"`
	Done          bool          `json:"done,omitempty"`
}
