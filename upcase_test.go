package exfatfsck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecompressUpcaseTable_Literals(t *testing.T) {
	in := []uint16{0x0041, 0x0042, 0x0043}

	out := decompressUpcaseTable(in, 16)

	require.Equal(t, uint16(0x0041), out[0])
	require.Equal(t, uint16(0x0042), out[1])
	require.Equal(t, uint16(0x0043), out[2])

	// Positions beyond the compressed length are identity.
	for i := 3; i < 16; i++ {
		require.Equal(t, uint16(i), out[i])
	}
}

func TestDecompressUpcaseTable_IdentityRun(t *testing.T) {
	// The marker covers positions 0..2 and skips three positions.
	in := []uint16{0xffff, 3}

	out := decompressUpcaseTable(in, 8)

	for i := 0; i < 8; i++ {
		require.Equal(t, uint16(i), out[i])
	}
}

func TestDecompressUpcaseTable_RunThenLiteral(t *testing.T) {
	// Identity for 0..3, then a literal mapping at position 4.
	in := []uint16{0xffff, 4, 0, 0, 0x0999}

	out := decompressUpcaseTable(in, 8)

	require.Equal(t, uint16(0), out[0])
	require.Equal(t, uint16(1), out[1])
	require.Equal(t, uint16(2), out[2])
	require.Equal(t, uint16(3), out[3])
	require.Equal(t, uint16(0x0999), out[4])
	require.Equal(t, uint16(5), out[5])
}

func TestDecompressUpcaseTable_Idempotent(t *testing.T) {
	in := []uint16{0x0061, 0xffff, 5, 0, 0, 0, 0x1234}

	first := decompressUpcaseTable(in, upcaseChars)
	second := decompressUpcaseTable(in, upcaseChars)

	require.Equal(t, first, second)
	require.Len(t, first, upcaseChars)
}

func TestDecompressUpcaseTable_ZeroRunStops(t *testing.T) {
	in := []uint16{0xffff, 0, 0x0041}

	out := decompressUpcaseTable(in, 8)

	// The malformed run terminates expansion; the tail is identity.
	for i := 0; i < 8; i++ {
		require.Equal(t, uint16(i), out[i])
	}
}

func TestReadUpcaseTable_ChecksumMismatch(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	fsck := NewFsck(OptRepairNo)

	err := fsck.LoadVolume(bd)
	require.NoError(t, err)

	// Corrupt one byte of the stored table; the entry's checksum no
	// longer matches.
	raw := []byte{0xff}
	err = bd.WriteAt(raw, int64(b.clusterOffset(testUpcaseCluster)))
	require.NoError(t, err)

	err = fsck.CheckRootDirectory()
	require.Error(t, err)
}
