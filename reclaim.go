// The reconciliation writer. After the walk, every cluster the allocation
// bitmap did not observe as referenced must read FREE in the FAT, and the
// on-disk bitmap must match the in-memory one. Both passes stream the
// regions through the shared buffer pair in cluster-sized reads and
// sector-sized writes.

package exfatfsck

import (
	"bytes"

	"github.com/dsoprea/go-logging"
)

var (
	reclaimLogger = log.NewLogger("exfatfsck.reclaim")
)

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}

	return b
}

// writeDirtyFat frees every FAT entry whose cluster the walk never saw
// referenced.
func (fsck *Fsck) writeDirtyFat() (err error) {
	ex := fsck.exfat
	bd := fsck.bufferDesc

	// The buffer pair is shared with the entry iterator; start from clean
	// dirty flags.
	bd[0].reset()
	bd[1].reset()

	clus := uint32(0)
	lastClus := ex.clusCount + firstCluster
	idx := 0
	offset := ex.sectorToOffset(uint64(ex.bs.FatOffset))
	readSize := ex.clusSize
	writeSize := ex.sectSize

	for clus < lastClus {
		clusCount := minUint32(readSize/4, lastClus-clus)
		length := clusCount * 4

		// The FAT always spans whole sectors, so the tail chunk can be
		// read and written at sector granularity.
		ioLength := divRoundUp(length, writeSize) * writeSize

		err = ex.bd.ReadAt(bd[idx].buffer[:ioLength], offset)
		if err != nil {
			reclaimLogger.Warningf(nil, "failed to read fat entries")
			return err
		}

		start := clus
		if start < firstCluster {
			start = firstCluster
		}

		for i := start; i < clus+clusCount; i++ {
			entry := bd[idx].buffer[(i-clus)*4:]

			if bitmapGet(ex.allocBitmap, i) == false && getUint32(entry) != ClusterFree {
				putUint32(entry, ClusterFree)
				bd[idx].dirty[(i-clus)*4/writeSize] = true
			}
		}

		for i := uint32(0); i < ioLength; i += writeSize {
			if bd[idx].dirty[i/writeSize] == false {
				continue
			}

			err = ex.bd.WriteAt(bd[idx].buffer[i:i+writeSize], offset+int64(i))
			if err != nil {
				reclaimLogger.Warningf(nil, "failed to write fat entries")
				return err
			}

			bd[idx].dirty[i/writeSize] = false
		}

		idx ^= 1
		clus += clusCount
		offset += int64(length)
	}

	return nil
}

// writeDirtyBitmap writes out every sector-sized run of the on-disk bitmap
// that differs from the in-memory allocation bitmap.
func (fsck *Fsck) writeDirtyBitmap() (err error) {
	ex := fsck.exfat
	bd := fsck.bufferDesc

	offset := ex.clusterToOffset(ex.diskBitmapClus)
	lastOffset := offset + int64(ex.diskBitmapSize)
	bitmapOffset := uint32(0)
	readSize := ex.clusSize
	writeSize := ex.sectSize
	idx := 0

	for offset < lastOffset {
		length := minUint32(readSize, uint32(lastOffset-offset))

		err = ex.bd.ReadAt(bd[idx].buffer[:length], offset)
		if err != nil {
			return err
		}

		for i := uint32(0); i < length; i += writeSize {
			runLength := minUint32(writeSize, length-i)

			memory := ex.allocBitmap[bitmapOffset+i : bitmapOffset+i+runLength]
			if bytes.Equal(bd[idx].buffer[i:i+runLength], memory) == false {
				err = ex.bd.WriteAt(memory, offset+int64(i))
				if err != nil {
					return err
				}
			}
		}

		idx ^= 1
		offset += int64(length)
		bitmapOffset += length
	}

	return nil
}

// reclaimFreeClusters runs both reconciliation passes. Triggered only when
// a repair truncated at least one chain.
func (fsck *Fsck) reclaimFreeClusters() (err error) {
	err = fsck.writeDirtyFat()
	if err != nil {
		reclaimLogger.Warningf(nil, "failed to write fat entries")
		return err
	}

	err = fsck.writeDirtyBitmap()
	if err != nil {
		reclaimLogger.Warningf(nil, "failed to write bitmap")
		return err
	}

	return nil
}
