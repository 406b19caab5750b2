// Boot-region load, validation, and backup-driven restoration.
//
// The boot region is 12 sectors: the boot sector, 8 extended boot sectors,
// the OEM-parameter sector, a reserved sector, and a checksum sector whose
// every 32-bit word repeats the checksum of the preceding 11. A second,
// byte-identical region sits at sector 12 as a backup.

package exfatfsck

import (
	"bytes"
	"errors"
	"reflect"

	"github.com/dsoprea/go-logging"
)

const (
	bootSectorIndex       = 0
	backupBootSectorIndex = 12

	bootRegionSectors = 12

	maxClusterSize = 32 * 1024 * 1024
)

var (
	bootLogger = log.NewLogger("exfatfsck.bootregion")
)

// verifyBootRegionChecksum recomputes the rolling checksum over the 11
// leading sectors of the region at the given sector index and compares it
// against every word of the 12th.
func verifyBootRegionChecksum(bd *BlockDevice, bsOffset uint32) (err error) {
	size := bd.SectorSize()
	sect := make([]byte, size)

	checksum := uint32(0)
	for i := uint32(0); i < bootRegionSectors-1; i++ {
		err = bd.ReadAt(sect, int64((bsOffset+i)*size))
		if err != nil {
			return err
		}

		checksum = bootCalcChecksum(sect, i == 0, checksum)
	}

	err = bd.ReadAt(sect, int64((bsOffset+bootRegionSectors-1)*size))
	if err != nil {
		return err
	}

	for i := uint32(0); i < size/4; i++ {
		stored := getUint32(sect[i*4:])
		if stored != checksum {
			bootLogger.Warningf(nil, "checksum of boot region is not correct: (0x%08x), but expected (0x%08x)", stored, checksum)
			return ErrFormatInvalid
		}
	}

	return nil
}

// readBootRegion loads and validates the boot region at the given sector
// index. The raw first sector is returned alongside the parsed header so
// the mutable flag bytes can later be written back in place.
func readBootRegion(bd *BlockDevice, bsOffset uint32) (bsh *BootSectorHeader, raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	raw = make([]byte, bootSectorHeaderSize)

	err = bd.ReadAt(raw, int64(bsOffset*bd.SectorSize()))
	if err != nil {
		return nil, nil, err
	}

	if bytes.Equal(raw[3:11], requiredFileSystemName) == false {
		bootLogger.Warningf(nil, "failed to find exfat file system")
		return nil, nil, ErrFormatInvalid
	}

	err = verifyBootRegionChecksum(bd, bsOffset)
	if err != nil {
		return nil, nil, err
	}

	bsh, err = NewBootSectorHeaderFromBytes(raw)
	log.PanicIf(err)

	sectorSize := bsh.SectorSize()
	if sectorSize < 512 || sectorSize > 4096 {
		bootLogger.Warningf(nil, "too small or big sector size: (%d)", sectorSize)
		return nil, nil, ErrFormatInvalid
	}

	if bsh.ClusterSize() > maxClusterSize {
		bootLogger.Warningf(nil, "too big cluster size: (%d)", bsh.ClusterSize())
		return nil, nil, ErrFormatInvalid
	}

	if bsh.FileSystemRevision[1] != 1 || bsh.FileSystemRevision[0] != 0 {
		bootLogger.Warningf(nil, "unsupported exfat version: (%d).(%d)", bsh.FileSystemRevision[1], bsh.FileSystemRevision[0])
		return nil, nil, ErrFormatInvalid
	}

	if bsh.NumberOfFats != 1 {
		bootLogger.Warningf(nil, "unsupported FAT count: (%d)", bsh.NumberOfFats)
		return nil, nil, ErrFormatInvalid
	}

	if bsh.VolumeLength*uint64(sectorSize) > uint64(bd.Size()) {
		bootLogger.Warningf(nil, "too large sector count: (%d)", bsh.VolumeLength)
		return nil, nil, ErrFormatInvalid
	}

	if uint64(bsh.ClusterCount)*uint64(bsh.ClusterSize()) > uint64(bd.Size()) {
		bootLogger.Warningf(nil, "too large cluster count: (%d)", bsh.ClusterCount)
		return nil, nil, ErrFormatInvalid
	}

	return bsh, raw, nil
}

// restoreBootRegion copies the 12 backup sectors over the primary region,
// forcing the percent-in-use byte to "not available" on the way through.
func restoreBootRegion(bd *BlockDevice) (err error) {
	size := bd.SectorSize()
	sect := make([]byte, size)

	for i := uint32(0); i < bootRegionSectors; i++ {
		err = bd.ReadAt(sect, int64((backupBootSectorIndex+i)*size))
		if err != nil {
			return err
		}

		if i == 0 {
			// The PercentInUse field is stale in the backup and excluded
			// from the checksum either way.
			sect[112] = 0xff
		}

		err = bd.WriteAt(sect, int64((bootSectorIndex+i)*size))
		if err != nil {
			return err
		}
	}

	err = bd.Sync()
	if err != nil {
		return err
	}

	return nil
}

// CheckBootRegion validates the primary boot region. When the primary is
// corrupted, policy may authorize reading the backup region and writing it
// over the primary.
func (fsck *Fsck) CheckBootRegion(bd *BlockDevice) (bsh *BootSectorHeader, raw []byte, err error) {
	bsh, raw, err = readBootRegion(bd, bootSectorIndex)
	if errors.Is(err, ErrFormatInvalid) == true &&
		fsck.repairAsk(RepairBootRegion, "/", "boot region is corrupted. try to restore the region from backup") == true {

		bsh, raw, err = readBootRegion(bd, backupBootSectorIndex)
		if err != nil {
			bootLogger.Warningf(nil, "backup boot region is also corrupted")
			return nil, nil, err
		}

		err = restoreBootRegion(bd)
		if err != nil {
			bootLogger.Warningf(nil, "failed to restore boot region from backup")
			return nil, nil, err
		}

		raw[112] = 0xff
	}

	return bsh, raw, err
}
