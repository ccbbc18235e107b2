package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rivo/uniseg"
)

type (
	// Payload is the single message carried over a wormhole channel.
	// Length and Checksum are derived from Message and are either both set or
	// both nil. Time is set by the sender right before transmission.
	Payload struct {
		Message  *string    `json:"message,omitempty"`
		Length   *int       `json:"length,omitempty"`
		Checksum *string    `json:"checksum,omitempty"`
		Code     string     `json:"code"`
		Time     *time.Time `json:"time,omitempty"`
	}
)

func NewPayload(message, code string) *Payload {
	p := &Payload{
		Message: &message,
		Code:    code,
	}
	p.Derive()
	return p
}

// Derive recomputes Length and Checksum from Message, clearing both when
// there is no message.
func (p *Payload) Derive() {
	if p.Message == nil {
		p.Length = nil
		p.Checksum = nil
		return
	}

	length := uniseg.GraphemeClusterCount(*p.Message)
	sum := Checksum(*p.Message)
	p.Length = &length
	p.Checksum = &sum
}

func (p *Payload) Stamp(now time.Time) {
	t := now.UTC()
	p.Time = &t
}

// Equal reports whether p and o carry the same message, code, length and
// checksum. Time is not compared.
func (p *Payload) Equal(o *Payload) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Code == o.Code &&
		eqPtr(p.Message, o.Message) &&
		eqPtr(p.Length, o.Length) &&
		eqPtr(p.Checksum, o.Checksum)
}

func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	c := &Payload{Code: p.Code}
	c.Message = clonePtr(p.Message)
	c.Length = clonePtr(p.Length)
	c.Checksum = clonePtr(p.Checksum)
	c.Time = clonePtr(p.Time)
	return c
}

func (p *Payload) String() string {
	if p.Length == nil {
		return fmt.Sprintf("payload{code: %s, empty}", p.Code)
	}
	return fmt.Sprintf("payload{code: %s, length: %d}", p.Code, *p.Length)
}

// Checksum returns the hex encoded SHA-256 digest of msg.
func Checksum(msg string) string {
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:])
}

func MarshalPayload(p *Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes wire bytes verbatim; nothing is re-derived.
func UnmarshalPayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
