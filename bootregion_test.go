package exfatfsck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBootRegion_Valid(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	bsh, raw, err := readBootRegion(bd, bootSectorIndex)
	require.NoError(t, err)
	require.Len(t, raw, bootSectorHeaderSize)

	require.Equal(t, uint32(testClusterCount), bsh.ClusterCount)
	require.Equal(t, uint32(testRootCluster), bsh.FirstClusterOfRootDirectory)
}

func TestReadBootRegion_BackupIsAlsoValid(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	_, _, err := readBootRegion(bd, backupBootSectorIndex)
	require.NoError(t, err)
}

func TestVerifyBootRegionChecksum_DetectsCorruption(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	// Flip one byte in an extended boot sector.
	err := bd.WriteAt([]byte{0x5a}, 2*testSectorSize+100)
	require.NoError(t, err)

	err = verifyBootRegionChecksum(bd, bootSectorIndex)
	require.Equal(t, ErrFormatInvalid, err)
}

func TestVerifyBootRegionChecksum_MutableBytesExcluded(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	// The volume-flags and percent-in-use fields change at runtime and
	// are outside the checksum.
	err := bd.WriteAt([]byte{0x02, 0x00}, 106)
	require.NoError(t, err)

	err = bd.WriteAt([]byte{0x37}, 112)
	require.NoError(t, err)

	err = verifyBootRegionChecksum(bd, bootSectorIndex)
	require.NoError(t, err)
}

func TestReadBootRegion_RejectsWrongRevision(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	// Bump the major revision and recompute the region checksum so only
	// the field validation can object.
	region := make([]byte, bootRegionSectors*testSectorSize)

	err := bd.ReadAt(region, 0)
	require.NoError(t, err)

	region[105] = 2

	checksum := uint32(0)
	for i := 0; i < bootRegionSectors-1; i++ {
		checksum = bootCalcChecksum(region[i*testSectorSize:(i+1)*testSectorSize], i == 0, checksum)
	}

	checksumSector := region[(bootRegionSectors-1)*testSectorSize:]
	for i := 0; i < testSectorSize; i += 4 {
		putUint32(checksumSector[i:], checksum)
	}

	err = bd.WriteAt(region, 0)
	require.NoError(t, err)

	_, _, err = readBootRegion(bd, bootSectorIndex)
	require.Equal(t, ErrFormatInvalid, err)
}

func TestRestoreBootRegion(t *testing.T) {
	b := newTestVolumeBuilder()
	_, bd := b.build()

	err := bd.WriteAt(make([]byte, bootRegionSectors*testSectorSize), 0)
	require.NoError(t, err)

	err = restoreBootRegion(bd)
	require.NoError(t, err)

	_, raw, err := readBootRegion(bd, bootSectorIndex)
	require.NoError(t, err)

	// Restore forces percent-in-use to "not available".
	require.Equal(t, byte(0xff), raw[112])
}
