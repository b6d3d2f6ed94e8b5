package quiche

import (
	"bytes"
	"errors"

	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/handshake"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
)

// errorAs is a small wrapper around errors.As, for use inside Gomega matchers.
func errorAs(err error, target any) bool {
	return errors.As(err, target)
}

// flowcontrolMaxController builds a connection flow controller that never blocks.
func flowcontrolMaxController() flowcontrol.ConnectionFlowController {
	cfc := flowcontrol.NewConnectionFlowController(protocol.MaxByteCount, protocol.MaxByteCount, &utils.RTTStats{}, utils.DefaultLogger)
	cfc.UpdateSendWindow(protocol.MaxByteCount)
	return cfc
}

func newStreamFlowControllerWithWindows(id protocol.StreamID, cfc flowcontrol.ConnectionFlowController, sendWindow protocol.ByteCount) flowcontrol.StreamFlowController {
	return flowcontrol.NewStreamFlowController(id, cfc, 1000, 1000, sendWindow, &utils.RTTStats{}, utils.DefaultLogger)
}

// The nullAEAD implements the sealer and opener interfaces without actually
// encrypting, padding the ciphertext with a 16-byte all-zero tag. Tests use it
// in place of the external crypto machinery.
type nullAEAD struct {
	highestRcvdPN protocol.PacketNumber
}

var nullAEADTag = make([]byte, 16)

func (n *nullAEAD) Seal(dst, src []byte, _ protocol.PacketNumber, _ []byte) []byte {
	out := append(dst, src...)
	return append(out, nullAEADTag...)
}

func (n *nullAEAD) open(dst, src []byte) ([]byte, error) {
	if len(src) < 16 {
		return nil, errors.New("nullAEAD: ciphertext too short")
	}
	if !bytes.Equal(src[len(src)-16:], nullAEADTag) {
		return nil, handshake.ErrDecryptionFailed
	}
	return append(dst, src[:len(src)-16]...), nil
}

func (n *nullAEAD) Open(dst, src []byte, pn protocol.PacketNumber, _ []byte) ([]byte, error) {
	data, err := n.open(dst, src)
	if err == nil {
		n.highestRcvdPN = max(n.highestRcvdPN, pn)
	}
	return data, err
}

func (n *nullAEAD) EncryptHeader([]byte, *byte, []byte) {}
func (n *nullAEAD) DecryptHeader([]byte, *byte, []byte) {}
func (n *nullAEAD) Overhead() int                       { return 16 }

func (n *nullAEAD) DecodePacketNumber(wirePN protocol.PacketNumber, wirePNLen protocol.PacketNumberLen) protocol.PacketNumber {
	return protocol.DecodePacketNumber(wirePNLen, n.highestRcvdPN, wirePN)
}

var (
	_ handshake.LongHeaderSealer = &nullAEAD{}
	_ handshake.LongHeaderOpener = &nullAEAD{}
)

type nullShortHeaderAEAD struct {
	nullAEAD
}

func (n *nullShortHeaderAEAD) KeyPhase() protocol.KeyPhaseBit { return protocol.KeyPhaseZero }

func (n *nullShortHeaderAEAD) Open(dst, src []byte, pn protocol.PacketNumber, _ protocol.KeyPhaseBit, _ []byte) ([]byte, error) {
	data, err := n.open(dst, src)
	if err == nil {
		n.highestRcvdPN = max(n.highestRcvdPN, pn)
	}
	return data, err
}

var (
	_ handshake.ShortHeaderSealer = &nullShortHeaderAEAD{}
	_ handshake.ShortHeaderOpener = &nullShortHeaderAEAD{}
)

// installNullKeys installs null AEADs for all encryption levels.
func installNullKeys(r *keyRing) {
	r.InstallSealer(protocol.EncryptionInitial, &nullAEAD{})
	r.InstallOpener(protocol.EncryptionInitial, &nullAEAD{})
	r.InstallSealer(protocol.EncryptionHandshake, &nullAEAD{})
	r.InstallOpener(protocol.EncryptionHandshake, &nullAEAD{})
	r.Install1RTTKeys(&nullShortHeaderAEAD{}, &nullShortHeaderAEAD{})
}
