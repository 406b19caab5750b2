package exfatfsck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUtf16RoundTrip(t *testing.T) {
	raw, byteCount, err := EncodeUtf16("Hello, Wörld")
	require.NoError(t, err)
	require.Equal(t, len(raw), byteCount)

	decoded, _, err := DecodeUtf16(raw)
	require.NoError(t, err)
	require.Equal(t, "Hello, Wörld", decoded)
}

func TestStringToUtf16(t *testing.T) {
	units, err := stringToUtf16("ABC")
	require.NoError(t, err)
	require.Equal(t, []uint16{0x41, 0x42, 0x43}, units)

	decoded, err := utf16ToString(units)
	require.NoError(t, err)
	require.Equal(t, "ABC", decoded)
}

func TestUtf16ToString_DropsTrailingNuls(t *testing.T) {
	decoded, err := utf16ToString([]uint16{0x41, 0x42, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, "AB", decoded)
}

func TestDecodeLabel(t *testing.T) {
	units := []uint16{'N', 'O', ' ', 'N', 'A', 'M', 'E', 0, 0, 0, 0}
	raw := utf16UnitsToBytes(units)

	label, err := decodeLabel(raw, 7)
	require.NoError(t, err)
	require.Equal(t, "NO NAME", label)

	// Counts that include trailing NULs still decode cleanly.
	label, err = decodeLabel(raw, 11)
	require.NoError(t, err)
	require.Equal(t, "NO NAME", label)
}
