package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeWatch       = "WATCH"
	TypeEntityFull  = "ENTITY_FULL"
	TypeEntityDelta = "ENTITY_UPDATE"
	TypeUnitsNew    = "UNITS_SPAWNED"
	TypeUnitsGone   = "UNITS_REMOVED"
	TypeTypeDefs    = "TYPE_DEFS"
	TypeStockpile   = "STOCKPILE"
	TypeReservation = "RESERVATION"
	TypeError       = "ERROR"
)

// Entity replication channels.
const (
	ChannelCells    = "cells"
	ChannelFactions = "factions"
	ChannelUnits    = "units"
)

// Channels lists the entity channels in the order a joining client receives them.
// Factions come first so cell and unit relations resolve on the client.
var Channels = []string{ChannelFactions, ChannelCells, ChannelUnits}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
