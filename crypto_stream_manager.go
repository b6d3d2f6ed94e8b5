package quiche

import (
	"fmt"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/wire"
)

// The cryptoStreamManager feeds incoming CRYPTO frames into the per-level
// crypto streams, and forwards contiguous data to the crypto data handler.
type cryptoStreamManager struct {
	cryptoHandler CryptoDataHandler

	initialStream   *cryptoStream
	handshakeStream *cryptoStream
	oneRTTStream    *cryptoStream
}

func newCryptoStreamManager(
	cryptoHandler CryptoDataHandler,
	initialStream, handshakeStream, oneRTTStream *cryptoStream,
) *cryptoStreamManager {
	return &cryptoStreamManager{
		cryptoHandler:   cryptoHandler,
		initialStream:   initialStream,
		handshakeStream: handshakeStream,
		oneRTTStream:    oneRTTStream,
	}
}

func (m *cryptoStreamManager) getStream(encLevel protocol.EncryptionLevel) (*cryptoStream, error) {
	//nolint:exhaustive // CRYPTO frames cannot be sent in 0-RTT packets.
	switch encLevel {
	case protocol.EncryptionInitial:
		return m.initialStream, nil
	case protocol.EncryptionHandshake:
		return m.handshakeStream, nil
	case protocol.Encryption1RTT:
		return m.oneRTTStream, nil
	default:
		return nil, fmt.Errorf("received CRYPTO frame with unexpected encryption level: %s", encLevel)
	}
}

func (m *cryptoStreamManager) HandleCryptoFrame(frame *wire.CryptoFrame, encLevel protocol.EncryptionLevel) error {
	str, err := m.getStream(encLevel)
	if err != nil {
		return err
	}
	if err := str.HandleCryptoFrame(frame); err != nil {
		return err
	}
	for {
		data := str.GetCryptoData()
		if data == nil {
			return nil
		}
		if m.cryptoHandler == nil {
			continue
		}
		if err := m.cryptoHandler.HandleMessage(data, encLevel); err != nil {
			return err
		}
	}
}

// Drop finishes the crypto stream of a retired encryption level.
// Leftover data at that level is a protocol violation.
func (m *cryptoStreamManager) Drop(encLevel protocol.EncryptionLevel) error {
	//nolint:exhaustive // 1-RTT keys should never get dropped.
	switch encLevel {
	case protocol.EncryptionInitial:
		return m.initialStream.Finish()
	case protocol.EncryptionHandshake:
		return m.handshakeStream.Finish()
	default:
		return &qerr.TransportError{
			ErrorCode:    qerr.InternalError,
			ErrorMessage: fmt.Sprintf("cannot drop crypto stream at encryption level %s", encLevel),
		}
	}
}
