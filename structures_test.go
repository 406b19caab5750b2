package exfatfsck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBootCalcChecksum_ZeroSector(t *testing.T) {
	sector := make([]byte, 512)

	require.Equal(t, uint32(0), bootCalcChecksum(sector, false, 0))
	require.Equal(t, uint32(0), bootCalcChecksum(sector, true, 0))
}

func TestBootCalcChecksum_SkipsMutableBytes(t *testing.T) {
	sector := make([]byte, 512)
	for i := range sector {
		sector[i] = byte(i)
	}

	reference := bootCalcChecksum(sector, true, 0)

	// The volume-flags and percent-in-use bytes are excluded, so changing
	// them must not move the checksum.
	sector[106] = 0xaa
	sector[107] = 0xbb
	sector[112] = 0xcc

	require.Equal(t, reference, bootCalcChecksum(sector, true, 0))

	// Any other byte must move it.
	sector[100]++

	require.NotEqual(t, reference, bootCalcChecksum(sector, true, 0))

	// Without the boot-sector exclusions, the mutable bytes do count.
	sector[100]--

	require.NotEqual(t, reference, bootCalcChecksum(sector, false, 0))
}

func TestCalcDentryChecksum_SkipsChecksumField(t *testing.T) {
	dentry := make(Dentry, DentrySize)
	for i := range dentry {
		dentry[i] = byte(i + 1)
	}

	reference := calcDentryChecksum(dentry, 0, true)

	dentry.SetFileChecksum(0xbeef)

	require.Equal(t, reference, calcDentryChecksum(dentry, 0, true))
	require.NotEqual(t, reference, calcDentryChecksum(dentry, 0, false))
}

func TestCalcNameChecksum_UsesUpcaseTable(t *testing.T) {
	lower, err := stringToUtf16("readme")
	require.NoError(t, err)

	upper, err := stringToUtf16("README")
	require.NoError(t, err)

	// With no table the hash is case-sensitive.
	require.NotEqual(t, calcNameChecksum(nil, lower), calcNameChecksum(nil, upper))

	// An ASCII-uppercasing table makes the two hashes agree.
	table := make([]uint16, upcaseChars)
	for i := range table {
		table[i] = uint16(i)
	}
	for ch := uint16('a'); ch <= 'z'; ch++ {
		table[ch] = ch - 'a' + 'A'
	}

	require.Equal(t, calcNameChecksum(table, lower), calcNameChecksum(table, upper))
}

func TestDentry_StreamFieldRoundTrip(t *testing.T) {
	dentry := make(Dentry, DentrySize)
	dentry.SetEntryType(EntryTypeStream)
	dentry.SetStreamFlags(streamFlagAllocPossible | streamFlagContiguous)
	dentry.SetStreamValidSize(0x1122334455667788)
	dentry.SetStreamStartClus(42)
	dentry.SetStreamSize(0x8877665544332211)

	require.Equal(t, EntryTypeStream, dentry.EntryType())
	require.Equal(t, uint8(streamFlagAllocPossible|streamFlagContiguous), dentry.StreamFlags())
	require.Equal(t, uint64(0x1122334455667788), dentry.StreamValidSize())
	require.Equal(t, uint32(42), dentry.StreamStartClus())
	require.Equal(t, uint64(0x8877665544332211), dentry.StreamSize())
}

func TestParseDentry_StreamLayoutMatchesRawAccessors(t *testing.T) {
	dentry := make(Dentry, DentrySize)
	dentry.SetEntryType(EntryTypeStream)
	dentry.SetStreamFlags(streamFlagAllocPossible | streamFlagContiguous)
	dentry[3] = 9
	putUint16(dentry[4:6], 0xabcd)
	dentry.SetStreamValidSize(1000)
	dentry.SetStreamStartClus(17)
	dentry.SetStreamSize(1024)

	sede := new(StreamExtensionDirectoryEntry)

	err := parseDentry(dentry, sede)
	require.NoError(t, err)

	require.Equal(t, EntryTypeStream, sede.EntryType)
	require.True(t, sede.IsContiguous())
	require.Equal(t, uint8(9), sede.NameLength)
	require.Equal(t, uint16(0xabcd), sede.NameHash)
	require.Equal(t, uint64(1000), sede.ValidDataLength)
	require.Equal(t, uint32(17), sede.FirstCluster)
	require.Equal(t, uint64(1024), sede.DataLength)
}

func TestParseDentry_FileLayoutMatchesRawAccessors(t *testing.T) {
	dentry := make(Dentry, DentrySize)
	dentry.SetEntryType(EntryTypeFile)
	dentry[1] = 4
	dentry.SetFileChecksum(0x1234)
	putUint16(dentry[4:6], uint16(AttrSubdir|AttrHidden))

	fde := new(FileDirectoryEntry)

	err := parseDentry(dentry, fde)
	require.NoError(t, err)

	require.Equal(t, EntryTypeFile, fde.EntryType)
	require.Equal(t, uint8(4), fde.SecondaryCount)
	require.Equal(t, uint16(0x1234), fde.SetChecksum)
	require.True(t, fde.FileAttributes.IsDirectory())
}

func TestEntryType_Classes(t *testing.T) {
	require.True(t, EntryTypeLast.IsEndOfDirectory())
	require.True(t, EntryType(0x05).IsDeleted())
	require.False(t, EntryTypeFile.IsDeleted())
	require.True(t, EntryTypeFile.IsInUse())
	require.True(t, EntryTypeFile.IsPrimary())
	require.True(t, EntryTypeStream.IsSecondary())
	require.True(t, EntryTypeName.IsSecondary())
}

func TestExfatTimestamp_RoundTrip(t *testing.T) {
	original := time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

	et := NewExfatTimestamp(original)

	require.Equal(t, 2021, et.Year())
	require.Equal(t, 3, et.Month())
	require.Equal(t, 14, et.Day())
	require.Equal(t, 15, et.Hour())
	require.Equal(t, 9, et.Minute())
	require.Equal(t, 26, et.Second())
	require.Equal(t, original, et.Timestamp())
}

func TestNewBootSectorHeaderFromBytes(t *testing.T) {
	b := newTestVolumeBuilder()
	b.writeBootRegions()

	bsh, err := NewBootSectorHeaderFromBytes(b.data[:bootSectorHeaderSize])
	require.NoError(t, err)

	require.Equal(t, uint32(testSectorSize), bsh.SectorSize())
	require.Equal(t, uint32(testSectorSize), bsh.ClusterSize())
	require.Equal(t, uint32(testClusterCount), bsh.ClusterCount)
	require.Equal(t, uint32(testRootCluster), bsh.FirstClusterOfRootDirectory)
	require.Equal(t, uint32(testFatOffsetSectors), bsh.FatOffset)
	require.Equal(t, uint8(1), bsh.NumberOfFats)
	require.Equal(t, uint16(0xaa55), bsh.BootSignature)
}

func TestBitmapOps(t *testing.T) {
	bitmap := make([]byte, bitmapSize(64))

	require.False(t, bitmapGet(bitmap, 2))

	bitmapSet(bitmap, 2)
	bitmapSet(bitmap, 9)
	bitmapSet(bitmap, 65)

	require.True(t, bitmapGet(bitmap, 2))
	require.True(t, bitmapGet(bitmap, 9))
	require.True(t, bitmapGet(bitmap, 65))
	require.False(t, bitmapGet(bitmap, 3))

	bitmapClear(bitmap, 9)

	require.False(t, bitmapGet(bitmap, 9))
}
