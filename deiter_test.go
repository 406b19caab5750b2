package exfatfsck

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildTwoClusterRoot builds a volume whose root directory spans two
// clusters: three system entries plus eight three-entry file sets.
func buildTwoClusterRoot(t *testing.T) (bd *BlockDevice, fsck *Fsck) {
	b := newTestVolumeBuilder()
	b.extendRoot(2)

	for i := 0; i < 8; i++ {
		b.addFile(fmt.Sprintf("FILE%d.BIN", i), uint32(6+i), 1, testSectorSize)
	}

	_, bd = b.build()

	fsck = NewFsck(OptRepairNo)

	err := fsck.LoadVolume(bd)
	require.NoError(t, err)

	err = fsck.CheckRootDirectory()
	require.NoError(t, err)

	return bd, fsck
}

func newRootIter(t *testing.T, fsck *Fsck) *DentryIter {
	ex := fsck.Exfat()

	iter := new(DentryIter)
	bufs := allocBufferDescs(2, ex.ClusterSize(), ex.SectorSize())

	err := iter.Init(ex, ex.Root(), bufs)
	require.NoError(t, err)

	return iter
}

func TestDentryIter_Init_EmptyDirectory(t *testing.T) {
	_, fsck := buildTwoClusterRoot(t)

	empty := NewInode(AttrSubdir)

	iter := new(DentryIter)
	bufs := allocBufferDescs(2, testSectorSize, testSectorSize)

	err := iter.Init(fsck.Exfat(), empty, bufs)
	require.Equal(t, io.EOF, err)
}

func TestDentryIter_SequentialTypes(t *testing.T) {
	_, fsck := buildTwoClusterRoot(t)
	iter := newRootIter(t, fsck)

	expected := []EntryType{EntryTypeVolume, EntryTypeBitmap, EntryTypeUpcase}
	for i := 0; i < 8; i++ {
		expected = append(expected, EntryTypeFile, EntryTypeStream, EntryTypeName)
	}

	for _, entryType := range expected {
		dentry, err := iter.Get(0)
		require.NoError(t, err)
		require.Equal(t, entryType, dentry.EntryType())

		err = iter.Advance(1)
		require.NoError(t, err)
	}

	// The remainder of the second cluster is end-of-directory.
	dentry, err := iter.Get(0)
	require.NoError(t, err)
	require.True(t, dentry.EntryType().IsEndOfDirectory())
}

func TestDentryIter_PeekAcrossClusterBoundary(t *testing.T) {
	_, fsck := buildTwoClusterRoot(t)
	iter := newRootIter(t, fsck)

	// Sixteen entries fit a cluster; entry 17 lives in the second one.
	// Entry 15 is a file primary, 16 its stream, 17 its name.
	dentry, err := iter.Get(15)
	require.NoError(t, err)
	require.Equal(t, EntryTypeFile, dentry.EntryType())

	dentry, err = iter.Get(16)
	require.NoError(t, err)
	require.Equal(t, EntryTypeStream, dentry.EntryType())

	dentry, err = iter.Get(17)
	require.NoError(t, err)
	require.Equal(t, EntryTypeName, dentry.EntryType())
}

func TestDentryIter_DeviceOffsetTracksWindow(t *testing.T) {
	_, fsck := buildTwoClusterRoot(t)
	iter := newRootIter(t, fsck)
	ex := fsck.Exfat()

	require.Equal(t, ex.clusterToOffset(testRootCluster), iter.DeviceOffset())

	err := iter.Advance(16)
	require.NoError(t, err)

	require.Equal(t, uint64(16*DentrySize), iter.FileOffset())
	require.Equal(t, ex.clusterToOffset(testRootCluster+1), iter.DeviceOffset())
}

func TestDentryIter_GetPastEndOfChain(t *testing.T) {
	_, fsck := buildTwoClusterRoot(t)
	iter := newRootIter(t, fsck)

	err := iter.Advance(32)
	require.NoError(t, err)

	_, err = iter.Get(0)
	require.Equal(t, io.EOF, err)
}

func TestDentryIter_DirtyFlushedOnAdvancePastBoundary(t *testing.T) {
	bd, fsck := buildTwoClusterRoot(t)
	iter := newRootIter(t, fsck)
	ex := fsck.Exfat()

	// Mutate a reserved byte of an entry in the first cluster.
	dentry, err := iter.GetDirty(3)
	require.NoError(t, err)

	dentry[30] = 0xee

	// Advancing past the cluster boundary must persist the change without
	// an explicit flush.
	err = iter.Advance(18)
	require.NoError(t, err)

	raw := make([]byte, 1)
	err = bd.ReadAt(raw, ex.clusterToOffset(testRootCluster)+3*DentrySize+30)
	require.NoError(t, err)
	require.Equal(t, byte(0xee), raw[0])
}

func TestDentryIter_SetStraddlesPastWindow(t *testing.T) {
	b := newTestVolumeBuilder()
	b.extendRoot(3)

	for i := 0; i < 4; i++ {
		b.addFile(fmt.Sprintf("PAD%d.BIN", i), uint32(8+i), 1, testSectorSize)
	}

	// A maximum-length name makes a 19-entry set. It starts at entry 15
	// (byte 480 of the first cluster), so its tail reaches past the
	// two-cluster window into the head of the third cluster.
	b.addFile(strings.Repeat("N", nameMax), 12, 1, testSectorSize)

	_, bd := b.build()

	fsck := NewFsck(OptRepairNo)

	err := fsck.Run(bd)
	require.NoError(t, err)
	require.Equal(t, ExitNoErrors, fsck.ExitCode(err))
	require.Equal(t, int64(5), fsck.Stat().FileCount)
	require.Equal(t, int64(0), fsck.Stat().ErrorCount)
}

func TestDentryIter_DirtyHeldUntilFlush(t *testing.T) {
	bd, fsck := buildTwoClusterRoot(t)
	iter := newRootIter(t, fsck)
	ex := fsck.Exfat()

	// Mutate an entry in the second cluster through the window.
	dentry, err := iter.GetDirty(17)
	require.NoError(t, err)

	dentry[31] = 0xdd

	offset := ex.clusterToOffset(testRootCluster+1) + 1*DentrySize + 31

	// Not yet written.
	raw := make([]byte, 1)
	err = bd.ReadAt(raw, offset)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), raw[0])

	err = iter.Flush()
	require.NoError(t, err)

	err = bd.ReadAt(raw, offset)
	require.NoError(t, err)
	require.Equal(t, byte(0xdd), raw[0])
}
