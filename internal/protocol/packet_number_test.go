package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePacketNumber(t *testing.T) {
	// example from RFC 9000, appendix A.3
	require.Equal(t, PacketNumber(0xa82f9b32), DecodePacketNumber(PacketNumberLen2, 0xa82f30ea, 0x9b32))

	for _, tc := range []struct {
		length    PacketNumberLen
		largest   PacketNumber
		truncated PacketNumber
		expected  PacketNumber
	}{
		{PacketNumberLen1, 10, 11, 11},
		{PacketNumberLen1, 0x100, 0x01, 0x101},
		{PacketNumberLen1, 0x1001, 0xff, 0xfff},
		{PacketNumberLen2, 0x100, 0x101, 0x101},
		{PacketNumberLen4, 0xabcd, 0x1234, 0x1234},
	} {
		require.Equal(t, tc.expected, DecodePacketNumber(tc.length, tc.largest, tc.truncated))
	}
}

func TestPacketNumberLenForHeader(t *testing.T) {
	// delta*4 must stay below 2^(8l)
	require.Equal(t, PacketNumberLen1, PacketNumberLengthForHeader(10, 9, 0))
	require.Equal(t, PacketNumberLen1, PacketNumberLengthForHeader(63, 0, 0))
	require.Equal(t, PacketNumberLen2, PacketNumberLengthForHeader(64, 0, 0))
	require.Equal(t, PacketNumberLen2, PacketNumberLengthForHeader(1<<14-1, 0, 0))
	require.Equal(t, PacketNumberLen3, PacketNumberLengthForHeader(1<<14, 0, 0))
	require.Equal(t, PacketNumberLen3, PacketNumberLengthForHeader(1<<22-1, 0, 0))
	require.Equal(t, PacketNumberLen4, PacketNumberLengthForHeader(1<<22, 0, 0))
	// a large number of packets in flight forces a longer encoding
	require.Equal(t, PacketNumberLen2, PacketNumberLengthForHeader(10, 9, 100))
}

func TestDecodeAfterLenSelection(t *testing.T) {
	// whatever length we select must decode back to the original number
	for _, inFlight := range []ByteCount{0, 1, 100, 10000} {
		for _, diff := range []PacketNumber{1, 10, 100, 1000, 10000, 100000} {
			pn := PacketNumber(1<<30) + diff
			leastUnacked := PacketNumber(1 << 30)
			l := PacketNumberLengthForHeader(pn, leastUnacked, inFlight)
			truncated := pn & (1<<(8*l) - 1)
			require.Equal(t, pn, DecodePacketNumber(l, pn-1, truncated))
		}
	}
}
