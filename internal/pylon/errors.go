package pylon

import (
	"errors"
	"fmt"
)

var (
	ErrConnection     = errors.New("wormhole connection failed")
	ErrMissingCode    = errors.New("wormhole code is required to establish the connection")
	ErrEmptyPayload   = errors.New("payload cannot be empty")
	ErrCodeGeneration = errors.New("code generation failed")
	ErrReceive        = errors.New("failed to receive payload")
	ErrConsumed       = errors.New("pylon already activated")

	// ErrUnknownCode is an empty payload error: there is nothing to send to.
	ErrUnknownCode = fmt.Errorf("%w: no pending session for code", ErrEmptyPayload)
)

func connectionError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}

func receiveError(err error) error {
	return fmt.Errorf("%w: %w", ErrReceive, err)
}
