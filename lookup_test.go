package exfatfsck

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildLookupVolume(t *testing.T) (bd *BlockDevice, fsck *Fsck, entryCount int) {
	b := newTestVolumeBuilder()
	b.addFile("ALPHA.TXT", 6, 1, testSectorSize)
	b.addFile("BETA.TXT", 7, 1, testSectorSize)

	_, bd = b.build()

	fsck = NewFsck(OptRepairNo)

	err := fsck.LoadVolume(bd)
	require.NoError(t, err)

	err = fsck.CheckRootDirectory()
	require.NoError(t, err)

	// Three system entries plus two three-entry file sets.
	return bd, fsck, 9
}

func TestLookupDentrySet_ByType(t *testing.T) {
	_, fsck, _ := buildLookupVolume(t)
	ex := fsck.Exfat()

	filter := &LookupFilter{
		Type: EntryTypeBitmap,
	}

	err := LookupDentrySet(ex, ex.Root(), filter)
	require.NoError(t, err)

	require.Equal(t, 1, filter.DentryCount)
	require.Equal(t, EntryTypeBitmap, Dentry(filter.DentrySet).EntryType())

	// The bitmap entry is the second entry of the root directory.
	require.Equal(t, ex.clusterToOffset(testRootCluster)+1*DentrySize, filter.DeviceOffset)
}

func TestLookupFile_Hit(t *testing.T) {
	_, fsck, _ := buildLookupVolume(t)
	ex := fsck.Exfat()

	filter, err := LookupFile(ex, ex.Root(), "BETA.TXT")
	require.NoError(t, err)

	require.Equal(t, 3, filter.DentryCount)

	streamDentry := Dentry(filter.DentrySet[DentrySize : 2*DentrySize])
	require.Equal(t, uint32(7), streamDentry.StreamStartClus())
}

func TestLookupFile_CaseInsensitiveThroughUpcase(t *testing.T) {
	_, fsck, _ := buildLookupVolume(t)
	ex := fsck.Exfat()

	// The test volume's upcase table is identity, so the hash short-cut
	// rejects a differently-cased name outright; an uppercasing table is
	// what makes the comparison case-insensitive.
	for ch := uint16('a'); ch <= 'z'; ch++ {
		ex.upcaseTable[ch] = ch - 'a' + 'A'
	}

	filter, err := LookupFile(ex, ex.Root(), "alpha.txt")
	require.Error(t, err)

	// The on-disk name hash was computed with the identity table, so the
	// hash no longer matches; the free-slot offset is still reported.
	require.Equal(t, io.EOF, err)
	require.NotEqual(t, int64(-1), filter.DeviceOffset)
}

func TestLookupFile_MissReportsFreeSlot(t *testing.T) {
	_, fsck, entryCount := buildLookupVolume(t)
	ex := fsck.Exfat()

	filter, err := LookupFile(ex, ex.Root(), "MISSING.TXT")
	require.Equal(t, io.EOF, err)

	// The first free slot is the terminator following the last entry set.
	expected := ex.clusterToOffset(testRootCluster) + int64(entryCount*DentrySize)
	require.Equal(t, expected, filter.DeviceOffset)
}
