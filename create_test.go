package exfatfsck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildFileDentrySet(t *testing.T) {
	_, fsck, _ := buildLookupVolume(t)
	ex := fsck.Exfat()

	now := time.Date(2022, 7, 1, 10, 30, 4, 0, time.UTC)

	set, dentryCount, err := ex.BuildFileDentrySet("NEWFILE.TXT", AttrArchive, now)
	require.NoError(t, err)
	require.Equal(t, 3, dentryCount)
	require.Len(t, set, 3*DentrySize)

	fileDentry := Dentry(set[0:DentrySize])
	require.Equal(t, EntryTypeFile, fileDentry.EntryType())
	require.Equal(t, uint8(2), fileDentry.FileNumExt())
	require.Equal(t, AttrArchive, fileDentry.FileAttr())

	streamDentry := Dentry(set[DentrySize : 2*DentrySize])
	require.Equal(t, EntryTypeStream, streamDentry.EntryType())
	require.Equal(t, uint8(11), streamDentry.StreamNameLen())
	require.Equal(t, uint64(0), streamDentry.StreamSize())
	require.Equal(t, ClusterFree, streamDentry.StreamStartClus())

	// The set checksum must verify the same way the walk recomputes it.
	checksum := calcDentryChecksum(fileDentry, 0, true)
	for i := 1; i < dentryCount; i++ {
		checksum = calcDentryChecksum(Dentry(set[i*DentrySize:(i+1)*DentrySize]), checksum, false)
	}

	require.Equal(t, checksum, fileDentry.FileChecksum())

	// The embedded timestamp survives the packed encoding.
	require.Equal(t, now, ExfatTimestamp(getUint32(fileDentry[8:12])).Timestamp())
}

func TestBuildFileDentrySet_LongName(t *testing.T) {
	_, fsck, _ := buildLookupVolume(t)
	ex := fsck.Exfat()

	// 31 characters spans three name entries.
	name := "0123456789012345678901234567890"

	set, dentryCount, err := ex.BuildFileDentrySet(name, AttrArchive, time.Now())
	require.NoError(t, err)
	require.Equal(t, 5, dentryCount)

	require.Equal(t, EntryTypeName, Dentry(set[2*DentrySize:]).EntryType())
	require.Equal(t, EntryTypeName, Dentry(set[3*DentrySize:]).EntryType())
	require.Equal(t, EntryTypeName, Dentry(set[4*DentrySize:]).EntryType())
}

func TestCreateFile(t *testing.T) {
	bd, fsck, entryCount := buildLookupVolume(t)
	ex := fsck.Exfat()

	err := ex.CreateFile(ex.Root(), "NEWFILE.TXT", AttrArchive)
	require.NoError(t, err)

	// The set landed at the first free slot.
	raw := make([]byte, DentrySize)
	err = bd.ReadAt(raw, ex.clusterToOffset(testRootCluster)+int64(entryCount*DentrySize))
	require.NoError(t, err)
	require.Equal(t, EntryTypeFile, Dentry(raw).EntryType())

	// The new name is now found.
	_, err = LookupFile(ex, ex.Root(), "NEWFILE.TXT")
	require.NoError(t, err)

	// A full re-check accepts the created entry set as-is.
	recheck := NewFsck(OptRepairNo)

	err = recheck.Run(bd)
	require.NoError(t, err)

	require.Equal(t, int64(3), recheck.Stat().FileCount)
	require.Equal(t, int64(0), recheck.Stat().ErrorCount)
}

func TestCreateFile_Existing(t *testing.T) {
	_, fsck, _ := buildLookupVolume(t)
	ex := fsck.Exfat()

	// Same name, compatible attributes: a no-op.
	err := ex.CreateFile(ex.Root(), "ALPHA.TXT", AttrArchive)
	require.NoError(t, err)

	// Same name, conflicting attributes: refused.
	err = ex.CreateFile(ex.Root(), "ALPHA.TXT", AttrSubdir)
	require.Equal(t, ErrExist, err)
}
