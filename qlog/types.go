package qlog

import (
	"fmt"

	"github.com/chromium-cheri/quiche/internal/protocol"
)

type owner uint8

const (
	ownerLocal owner = iota
	ownerRemote
)

func (o owner) String() string {
	switch o {
	case ownerLocal:
		return "local"
	case ownerRemote:
		return "remote"
	default:
		return "unknown owner"
	}
}

type encLevel protocol.EncryptionLevel

func (e encLevel) String() string {
	//nolint:exhaustive
	switch protocol.EncryptionLevel(e) {
	case protocol.EncryptionInitial:
		return "initial"
	case protocol.EncryptionHandshake:
		return "handshake"
	case protocol.Encryption0RTT:
		return "0RTT"
	case protocol.Encryption1RTT:
		return "1RTT"
	default:
		return "unknown encryption level"
	}
}

func packetTypeFromEncryptionLevel(e protocol.EncryptionLevel) string {
	//nolint:exhaustive
	switch e {
	case protocol.EncryptionInitial:
		return "initial"
	case protocol.EncryptionHandshake:
		return "handshake"
	case protocol.Encryption0RTT:
		return "0RTT"
	case protocol.Encryption1RTT:
		return "1RTT"
	default:
		return "unknown"
	}
}

type connectionID protocol.ConnectionID

func (c connectionID) String() string {
	return fmt.Sprintf("%x", protocol.ConnectionID(c).Bytes())
}
