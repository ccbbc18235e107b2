package model

import "time"

type (
	Direction string

	// Transfer is an audit record of one send or receive. It never holds the
	// message or the raw code.
	Transfer struct {
		ID          string    `bson:"_id" json:"id"`
		Direction   Direction `bson:"direction" json:"direction"`
		Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
		Length      *int      `bson:"length,omitempty" json:"length,omitempty"`
		Checksum    *string   `bson:"checksum,omitempty" json:"checksum,omitempty"`
		Outcome     string    `bson:"outcome" json:"outcome"`
		At          time.Time `bson:"at" json:"at"`
	}
)

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)
