// The Exfat type owns the volume-wide state: device, parsed boot sector,
// geometry, bitmaps, upcase table, and the root inode. It also carries the
// cluster addressing math everything else is built on.

package exfatfsck

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// Exfat is the in-memory representation of one volume under check.
type Exfat struct {
	bd    *BlockDevice
	bs    *BootSectorHeader
	bsRaw []byte

	clusCount uint32
	clusSize  uint32
	sectSize  uint32

	root    *Inode
	dirList []*Inode

	// allocBitmap records every cluster the walk has observed as
	// referenced; diskBitmap is the byte-for-byte copy of the on-disk
	// allocation bitmap read at startup.
	allocBitmap []byte
	diskBitmap  []byte

	diskBitmapClus uint32
	diskBitmapSize uint32

	upcaseTable []uint16

	volumeLabel string
}

// NewExfat builds the volume state from a validated boot region. bsRaw is
// the raw first sector, kept for writing the mutable VolumeFlags field
// back without disturbing the checksummed bytes.
func NewExfat(bd *BlockDevice, bs *BootSectorHeader, bsRaw []byte) *Exfat {
	ex := &Exfat{
		bd:    bd,
		bs:    bs,
		bsRaw: bsRaw,

		clusCount: bs.ClusterCount,
		clusSize:  bs.ClusterSize(),
		sectSize:  bs.SectorSize(),
	}

	ex.allocBitmap = make([]byte, bitmapSize(ex.clusCount))
	ex.diskBitmap = make([]byte, bitmapSize(ex.clusCount))

	return ex
}

// Device returns the block device the volume was opened on.
func (ex *Exfat) Device() *BlockDevice {
	return ex.bd
}

// BootSectorHeader returns the active (validated) boot sector.
func (ex *Exfat) BootSectorHeader() *BootSectorHeader {
	return ex.bs
}

// ClusterSize is the cluster size in bytes.
func (ex *Exfat) ClusterSize() uint32 {
	return ex.clusSize
}

// SectorSize is the sector size in bytes.
func (ex *Exfat) SectorSize() uint32 {
	return ex.sectSize
}

// ClusterCount is the number of clusters in the heap.
func (ex *Exfat) ClusterCount() uint32 {
	return ex.clusCount
}

// VolumeLabel is the decoded label, empty until the root walk finds one.
func (ex *Exfat) VolumeLabel() string {
	return ex.volumeLabel
}

// Root returns the root-directory inode, nil until the root check ran.
func (ex *Exfat) Root() *Inode {
	return ex.root
}

// sectorToOffset converts a volume-relative sector index to a device byte
// offset.
func (ex *Exfat) sectorToOffset(sector uint64) int64 {
	return int64(sector << ex.bs.BytesPerSectorShift)
}

// clusterToOffset converts a heap cluster index to a device byte offset.
func (ex *Exfat) clusterToOffset(clusterNumber uint32) int64 {
	if clusterNumber < firstCluster {
		log.Panicf("cluster-number can not be less than two: (%d)", clusterNumber)
	}

	heapSector := uint64(ex.bs.ClusterHeapOffset) +
		(uint64(clusterNumber-firstCluster) << ex.bs.SectorsPerClusterShift)

	return ex.sectorToOffset(heapSector)
}

// offsetToCluster converts a device byte offset back to the heap cluster
// holding it and the byte offset within that cluster.
func (ex *Exfat) offsetToCluster(deviceOffset int64) (clusterNumber uint32, offset uint32, err error) {
	heapOffset := ex.sectorToOffset(uint64(ex.bs.ClusterHeapOffset))
	if deviceOffset < heapOffset {
		return 0, 0, ErrFormatInvalid
	}

	clusterNumber = uint32((deviceOffset-heapOffset)/int64(ex.clusSize)) + firstCluster
	if ex.heapCluster(clusterNumber) == false {
		return 0, 0, ErrFormatInvalid
	}

	offset = uint32((deviceOffset - heapOffset) % int64(ex.clusSize))

	return clusterNumber, offset, nil
}

// heapCluster reports whether the given cluster lies inside the cluster
// heap.
func (ex *Exfat) heapCluster(clusterNumber uint32) bool {
	return clusterNumber >= firstCluster &&
		(clusterNumber-firstCluster) < ex.clusCount
}

// fatEntryOffset is the device byte offset of the FAT entry for the given
// cluster.
func (ex *Exfat) fatEntryOffset(clusterNumber uint32) int64 {
	return ex.sectorToOffset(uint64(ex.bs.FatOffset)) + 4*int64(clusterNumber)
}

// NextCluster resolves the cluster following the given one in the inode's
// chain: cluster+1 for contiguous inodes, the FAT entry otherwise.
func (ex *Exfat) NextCluster(node *Inode, clusterNumber uint32) (next uint32, err error) {
	if ex.heapCluster(clusterNumber) == false {
		return ClusterEOF, ErrFormatInvalid
	}

	if node.IsContiguous == true {
		return clusterNumber + 1, nil
	}

	raw := make([]byte, 4)

	err = ex.bd.ReadAt(raw, ex.fatEntryOffset(clusterNumber))
	if err != nil {
		return ClusterEOF, err
	}

	return getUint32(raw), nil
}

// SetFat rewrites one FAT entry.
func (ex *Exfat) SetFat(clusterNumber, next uint32) (err error) {
	raw := make([]byte, 4)
	putUint32(raw, next)

	err = ex.bd.WriteAt(raw, ex.fatEntryOffset(clusterNumber))
	if err != nil {
		return err
	}

	return nil
}

// bitmapSetRange marks count clusters referenced, starting at startClus.
// Out-of-heap ranges are ignored, matching the defensive range check the
// callers rely on for corrupt metadata.
func (ex *Exfat) bitmapSetRange(bitmap []byte, startClus, count uint32) {
	if ex.heapCluster(startClus) == false || ex.heapCluster(startClus+count-1) == false {
		return
	}

	for clus := startClus; clus < startClus+count; clus++ {
		bitmapSet(bitmap, clus)
	}
}

// readCluster fills the buffer from the given cluster.
func (ex *Exfat) readCluster(buffer []byte, clusterNumber uint32) (err error) {
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

	err = ex.bd.ReadAt(buffer, ex.clusterToOffset(clusterNumber))
	log.PanicIf(err)

	return nil
}
