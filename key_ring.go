package quiche

import (
	"sync"

	"github.com/chromium-cheri/quiche/internal/handshake"
	"github.com/chromium-cheri/quiche/internal/protocol"
)

// The keyRing holds the AEADs for all encryption levels.
// Keys are installed by the external crypto handshake as it progresses, and
// retired when an encryption level is abandoned. Progression is monotonic:
// once the keys for a level are dropped, they can never be reinstalled.
type keyRing struct {
	mutex sync.Mutex

	initialSealer   handshake.LongHeaderSealer
	initialOpener   handshake.LongHeaderOpener
	handshakeSealer handshake.LongHeaderSealer
	handshakeOpener handshake.LongHeaderOpener
	zeroRTTSealer   handshake.LongHeaderSealer
	zeroRTTOpener   handshake.LongHeaderOpener
	oneRTTSealer    handshake.ShortHeaderSealer
	oneRTTOpener    handshake.ShortHeaderOpener

	initialDropped   bool
	handshakeDropped bool
	zeroRTTDropped   bool
}

var (
	_ sealingManager     = &keyRing{}
	_ keyGetter          = &keyRing{}
	_ CryptoKeyInstaller = &keyRing{}
)

// newKeyRing creates a key ring with the Initial keys derived from the
// destination connection ID of the first packet.
func newKeyRing(connID protocol.ConnectionID, pers protocol.Perspective, v protocol.Version) *keyRing {
	sealer, opener := handshake.NewInitialAEAD(connID, pers, v)
	return &keyRing{
		initialSealer: sealer,
		initialOpener: opener,
	}
}

func (r *keyRing) InstallOpener(encLevel protocol.EncryptionLevel, opener handshake.LongHeaderOpener) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	//nolint:exhaustive // 1-RTT keys are installed via Install1RTTKeys.
	switch encLevel {
	case protocol.EncryptionInitial:
		r.initialOpener = opener
	case protocol.EncryptionHandshake:
		r.handshakeOpener = opener
	case protocol.Encryption0RTT:
		r.zeroRTTOpener = opener
	default:
		panic("cannot install long header opener for 1-RTT")
	}
}

func (r *keyRing) InstallSealer(encLevel protocol.EncryptionLevel, sealer handshake.LongHeaderSealer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	//nolint:exhaustive // 1-RTT keys are installed via Install1RTTKeys.
	switch encLevel {
	case protocol.EncryptionInitial:
		r.initialSealer = sealer
	case protocol.EncryptionHandshake:
		r.handshakeSealer = sealer
	case protocol.Encryption0RTT:
		r.zeroRTTSealer = sealer
	default:
		panic("cannot install long header sealer for 1-RTT")
	}
}

func (r *keyRing) Install1RTTKeys(opener handshake.ShortHeaderOpener, sealer handshake.ShortHeaderSealer) {
	r.mutex.Lock()
	r.oneRTTOpener = opener
	r.oneRTTSealer = sealer
	r.mutex.Unlock()
}

// RetireEncryptionLevel drops the keys of an encryption level.
// No packet at this level may be sent or received afterwards.
func (r *keyRing) RetireEncryptionLevel(encLevel protocol.EncryptionLevel) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	//nolint:exhaustive // 1-RTT keys are never retired.
	switch encLevel {
	case protocol.EncryptionInitial:
		r.initialSealer = nil
		r.initialOpener = nil
		r.initialDropped = true
	case protocol.EncryptionHandshake:
		r.handshakeSealer = nil
		r.handshakeOpener = nil
		r.handshakeDropped = true
	case protocol.Encryption0RTT:
		r.zeroRTTSealer = nil
		r.zeroRTTOpener = nil
		r.zeroRTTDropped = true
	default:
		panic("cannot retire 1-RTT keys")
	}
}

func (r *keyRing) GetInitialSealer() (handshake.LongHeaderSealer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.initialDropped {
		return nil, handshake.ErrKeysDropped
	}
	if r.initialSealer == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.initialSealer, nil
}

func (r *keyRing) GetHandshakeSealer() (handshake.LongHeaderSealer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.handshakeDropped {
		return nil, handshake.ErrKeysDropped
	}
	if r.handshakeSealer == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.handshakeSealer, nil
}

func (r *keyRing) Get0RTTSealer() (handshake.LongHeaderSealer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.zeroRTTDropped {
		return nil, handshake.ErrKeysDropped
	}
	if r.zeroRTTSealer == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.zeroRTTSealer, nil
}

func (r *keyRing) Get1RTTSealer() (handshake.ShortHeaderSealer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.oneRTTSealer == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.oneRTTSealer, nil
}

func (r *keyRing) GetInitialOpener() (handshake.LongHeaderOpener, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.initialDropped {
		return nil, handshake.ErrKeysDropped
	}
	if r.initialOpener == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.initialOpener, nil
}

func (r *keyRing) GetHandshakeOpener() (handshake.LongHeaderOpener, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.handshakeDropped {
		return nil, handshake.ErrKeysDropped
	}
	if r.handshakeOpener == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.handshakeOpener, nil
}

func (r *keyRing) Get0RTTOpener() (handshake.LongHeaderOpener, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.zeroRTTDropped {
		return nil, handshake.ErrKeysDropped
	}
	if r.zeroRTTOpener == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.zeroRTTOpener, nil
}

func (r *keyRing) Get1RTTOpener() (handshake.ShortHeaderOpener, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.oneRTTOpener == nil {
		return nil, handshake.ErrKeysNotYetAvailable
	}
	return r.oneRTTOpener, nil
}

// Has1RTTKeys reports whether 1-RTT keys were installed.
func (r *keyRing) Has1RTTKeys() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.oneRTTSealer != nil
}
