// The directory-entry iterator streams a directory's cluster chain through
// a pair of cluster-sized buffers used as a sliding window, so that any
// entry set is contiguously addressable by index from the cursor even when
// it crosses a cluster boundary. Mutations land in the window via GetDirty
// and are written back, in sector-sized runs, when the cursor advances past
// the retiring cluster or on Flush.

package exfatfsck

import (
	"io"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// bufferDesc is one half of the window: a cluster-sized buffer, the heap
// cluster it was read from, the file offset it represents, and one dirty
// flag per contained sector.
type bufferDesc struct {
	pClus      uint32
	fileOffset uint64
	buffer     []byte
	dirty      []bool
}

func (desc *bufferDesc) reset() {
	desc.pClus = ClusterEOF
	desc.fileOffset = 0

	for i := range desc.dirty {
		desc.dirty[i] = false
	}
}

func (desc *bufferDesc) isLoaded() bool {
	return desc.pClus != ClusterEOF
}

// allocBufferDescs builds the shared buffer pair. The same pair backs the
// entry iterator and, later, the reconciliation writer; they are never
// live at the same time.
func allocBufferDescs(count int, clusSize, sectSize uint32) []*bufferDesc {
	descs := make([]*bufferDesc, count)
	for i := range descs {
		descs[i] = &bufferDesc{
			pClus:  ClusterEOF,
			buffer: make([]byte, clusSize),
			dirty:  make([]bool, clusSize/sectSize),
		}
	}

	return descs
}

// DentryIter is a cursor over the 32-byte entries of one directory.
type DentryIter struct {
	exfat  *Exfat
	parent *Inode

	bd  []*bufferDesc
	cur int

	readSize  uint32
	writeSize uint32

	// deFileOffset is the logical offset of the cursor within the
	// directory; nextReadOffset is the logical offset of the next cluster
	// to pull into the window.
	deFileOffset   uint64
	nextReadOffset uint64

	// raNextClus records the cluster last loaded into the spare buffer;
	// it is cleared whenever the window slides.
	raNextClus uint32

	// The look-ahead partial holds the cluster following the window, for
	// the rare set that starts near the end of the window's first cluster
	// and reaches past the second (only possible with 512-byte clusters
	// and a long name). It is read-only; the checker never mutates name entries that
	// deep into a set.
	raPartial     []byte
	raPartialClus uint32
	raBeginOffset uint64

	// maxSkipDentries is the widest peek the caller has issued since the
	// last advance. It is bookkeeping only; how far a peek may reach is
	// fixed by locate, not by this value.
	maxSkipDentries int
}

// Init points the iterator at the first entry of the given directory.
// An empty directory yields io.EOF.
func (iter *DentryIter) Init(exfat *Exfat, dir *Inode, bd []*bufferDesc) (err error) {
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

	iter.exfat = exfat
	iter.parent = dir
	iter.bd = bd
	iter.cur = 0
	iter.readSize = exfat.ClusterSize()
	iter.writeSize = exfat.SectorSize()
	iter.deFileOffset = 0
	iter.nextReadOffset = uint64(iter.readSize)
	iter.raNextClus = ClusterFree
	iter.raPartial = nil
	iter.raPartialClus = ClusterEOF
	iter.raBeginOffset = 0
	iter.maxSkipDentries = 0

	iter.bd[0].reset()
	iter.bd[1].reset()

	if dir.Size == 0 {
		return io.EOF
	}

	if exfat.heapCluster(dir.FirstClus) == false {
		return ErrFormatInvalid
	}

	err = exfat.readCluster(iter.bd[0].buffer, dir.FirstClus)
	log.PanicIf(err)

	iter.bd[0].pClus = dir.FirstClus
	iter.bd[0].fileOffset = 0

	return nil
}

// loadSpare pulls the cluster following the current buffer's cluster into
// the spare buffer. Returns io.EOF when the chain ends first.
func (iter *DentryIter) loadSpare() (err error) {
	cur := iter.bd[iter.cur]
	spare := iter.bd[iter.cur^1]

	wantOffset := cur.fileOffset + uint64(iter.readSize)

	if spare.isLoaded() == true && spare.fileOffset == wantOffset {
		return nil
	}

	next := iter.raNextClus
	if next == ClusterFree {
		next, err = iter.exfat.NextCluster(iter.parent, cur.pClus)
		if err != nil {
			return err
		}
	}

	if iter.exfat.heapCluster(next) == false {
		return io.EOF
	}

	err = iter.exfat.readCluster(spare.buffer, next)
	if err != nil {
		return err
	}

	spare.pClus = next
	spare.fileOffset = wantOffset

	for i := range spare.dirty {
		spare.dirty[i] = false
	}

	iter.raNextClus = next
	iter.nextReadOffset = wantOffset + uint64(iter.readSize)

	return nil
}

// loadPartial pulls the head of the cluster after the window into the
// look-ahead partial buffer.
func (iter *DentryIter) loadPartial() (err error) {
	err = iter.loadSpare()
	if err != nil {
		return err
	}

	spare := iter.bd[iter.cur^1]
	wantOffset := spare.fileOffset + uint64(iter.readSize)

	if iter.raPartialClus != ClusterEOF && iter.raBeginOffset == wantOffset {
		return nil
	}

	next, err := iter.exfat.NextCluster(iter.parent, spare.pClus)
	if err != nil {
		return err
	}

	if iter.exfat.heapCluster(next) == false {
		return io.EOF
	}

	if iter.raPartial == nil {
		iter.raPartial = make([]byte, iter.readSize)
	}

	err = iter.exfat.readCluster(iter.raPartial, next)
	if err != nil {
		return err
	}

	iter.raPartialClus = next
	iter.raBeginOffset = wantOffset

	return nil
}

// locate resolves the entry ith places past the cursor to its backing
// bytes, loading the spare buffer (or the look-ahead partial) when the
// entry lies beyond the current cluster. desc is nil for entries resolved
// from the partial, which cannot be dirtied.
func (iter *DentryIter) locate(ith int) (buffer []byte, desc *bufferDesc, offset uint32, err error) {
	entryOffset := iter.deFileOffset + uint64(ith)*DentrySize

	if entryOffset+DentrySize > iter.parent.Size {
		return nil, nil, 0, io.EOF
	}

	cur := iter.bd[iter.cur]
	rel := entryOffset - cur.fileOffset

	if rel < uint64(iter.readSize) {
		return cur.buffer, cur, uint32(rel), nil
	}

	if rel < uint64(iter.readSize)*2 {
		err = iter.loadSpare()
		if err != nil {
			return nil, nil, 0, err
		}

		spare := iter.bd[iter.cur^1]

		return spare.buffer, spare, uint32(rel - uint64(iter.readSize)), nil
	}

	if rel >= uint64(iter.readSize)*3 {
		log.Panicf("dentry peek exceeds the window: (%d)", ith)
	}

	err = iter.loadPartial()
	if err != nil {
		return nil, nil, 0, err
	}

	return iter.raPartial, nil, uint32(rel - uint64(iter.readSize)*2), nil
}

// Get returns the entry ith places past the cursor. io.EOF means the
// requested entry lies past the end of the chain.
func (iter *DentryIter) Get(ith int) (dentry Dentry, err error) {
	if ith+1 > iter.maxSkipDentries {
		iter.maxSkipDentries = ith + 1
	}

	buffer, _, offset, err := iter.locate(ith)
	if err != nil {
		return nil, err
	}

	return Dentry(buffer[offset : offset+DentrySize]), nil
}

// GetDirty is Get, additionally marking the enclosing sector dirty so the
// caller's in-place mutation is written back on advance past the cluster
// boundary or on Flush.
func (iter *DentryIter) GetDirty(ith int) (dentry Dentry, err error) {
	if ith+1 > iter.maxSkipDentries {
		iter.maxSkipDentries = ith + 1
	}

	buffer, desc, offset, err := iter.locate(ith)
	if err != nil {
		return nil, err
	}

	if desc == nil {
		log.Panicf("dentry in the look-ahead partial can not be dirtied: (%d)", ith)
	}

	desc.dirty[offset/iter.writeSize] = true

	return Dentry(buffer[offset : offset+DentrySize]), nil
}

// flushBuffer writes the dirty sectors of one buffer back to the device.
func (iter *DentryIter) flushBuffer(desc *bufferDesc) (err error) {
	if desc.isLoaded() == false {
		return nil
	}

	deviceOffset := iter.exfat.clusterToOffset(desc.pClus)

	for i, dirty := range desc.dirty {
		if dirty == false {
			continue
		}

		sectorStart := uint32(i) * iter.writeSize

		err = iter.exfat.Device().WriteAt(
			desc.buffer[sectorStart:sectorStart+iter.writeSize],
			deviceOffset+int64(sectorStart))
		if err != nil {
			return err
		}

		desc.dirty[i] = false
	}

	return nil
}

// Advance moves the cursor forward by n entries. Every cluster boundary
// crossed flushes and retires the outgoing buffer and pulls the next
// cluster into its place.
func (iter *DentryIter) Advance(n int) (err error) {
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

	iter.deFileOffset += uint64(n) * DentrySize
	iter.maxSkipDentries = 0

	for {
		cur := iter.bd[iter.cur]
		if iter.deFileOffset < cur.fileOffset+uint64(iter.readSize) {
			break
		}

		// The spare must hold the next cluster before the current buffer
		// can retire; past end-of-chain there is nothing left to load and
		// the cursor just parks beyond the window.
		err = iter.loadSpare()
		if err == io.EOF {
			err = iter.flushBuffer(cur)
			log.PanicIf(err)
			return nil
		}
		log.PanicIf(err)

		err = iter.flushBuffer(cur)
		log.PanicIf(err)

		cur.reset()
		iter.cur ^= 1
		iter.raNextClus = ClusterFree
		iter.raPartialClus = ClusterEOF
	}

	return nil
}

// Flush unconditionally writes back the dirty sectors of both buffers.
func (iter *DentryIter) Flush() (err error) {
	err = iter.flushBuffer(iter.bd[0])
	if err != nil {
		return err
	}

	err = iter.flushBuffer(iter.bd[1])
	if err != nil {
		return err
	}

	return nil
}

// DeviceOffset is the device byte offset of the entry at the cursor.
func (iter *DentryIter) DeviceOffset() int64 {
	cur := iter.bd[iter.cur]
	return iter.exfat.clusterToOffset(cur.pClus) + int64(iter.deFileOffset-cur.fileOffset)
}

// FileOffset is the cursor's logical offset within the directory.
func (iter *DentryIter) FileOffset() uint64 {
	return iter.deFileOffset
}
