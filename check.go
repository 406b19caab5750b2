// The directory walk and the per-file validation: parse each entry set,
// validate the cluster chain against the FAT, the on-disk bitmap, and the
// size fields, and apply whatever repairs policy allows.

package exfatfsck

import (
	"io"
	"reflect"

	"github.com/dsoprea/go-logging"
)

var (
	checkLogger = log.NewLogger("exfatfsck.check")
)

// fsckErr reports a fault no repair is defined for.
func (fsck *Fsck) fsckErr(path, description string) {
	checkLogger.Errorf(nil, nil, "ERROR: %s: %s", path, description)
}

// repairFileAsk is repairAsk with the fault localized to a file.
func (fsck *Fsck) repairFileAsk(iter *DentryIter, node *Inode, code RepairCode, description string) bool {
	return fsck.repairAsk(code, resolvePathParent(iter.parent, node), description)
}

// truncateFile rewrites the stream entry (and, for chained files, the FAT
// terminator) so the file ends after count clusters. The orphaned tail is
// swept later by the reconciliation pass.
func (fsck *Fsck) truncateFile(iter *DentryIter, node *Inode, count uint64, prev uint32) (err error) {
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

	ex := fsck.exfat

	node.Size = count * uint64(ex.clusSize)
	if ex.heapCluster(prev) == false {
		node.FirstClus = ClusterFree
	}

	streamDentry, err := iter.GetDirty(1)
	log.PanicIf(err)

	if node.Size < streamDentry.StreamValidSize() {
		streamDentry.SetStreamValidSize(node.Size)
	}

	if ex.heapCluster(prev) == false {
		streamDentry.SetStreamStartClus(ClusterFree)
	}

	streamDentry.SetStreamSize(node.Size)

	fsck.dirtyFat = true

	if node.IsContiguous == false && ex.heapCluster(prev) == true {
		err = ex.SetFat(prev, ClusterEOF)
		log.PanicIf(err)
	}

	return nil
}

// checkClusterChain walks the file's chain, reconciling it with the
// in-memory allocation bitmap, the on-disk bitmap, and the size fields.
// Every accepted cluster is recorded in the allocation bitmap. Returns
// whether a repair was applied; an unrepaired fault is ErrFormatInvalid.
func (fsck *Fsck) checkClusterChain(iter *DentryIter, node *Inode) (fixed bool, err error) {
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

	ex := fsck.exfat

	clus := node.FirstClus
	prev := ClusterEOF
	count := uint64(0)
	maxCount := divRoundUp64(node.Size, uint64(ex.clusSize))

	if node.Size == 0 && node.FirstClus == ClusterFree {
		return false, nil
	}

	truncate := func() (bool, error) {
		err := fsck.truncateFile(iter, node, count, prev)
		log.PanicIf(err)

		return true, nil
	}

	// The first cluster is wrong.
	if (node.Size == 0 && node.FirstClus != ClusterFree) ||
		(node.Size > 0 && ex.heapCluster(node.FirstClus) == false) {
		if fsck.repairFileAsk(iter, node, RepairFirstCluster, "first cluster is wrong") == true {
			return truncate()
		}

		return false, ErrFormatInvalid
	}

	for clus != ClusterEOF {
		if count >= maxCount {
			if node.IsContiguous == true {
				break
			}

			if fsck.repairFileAsk(iter, node, RepairSmallerSize, "more clusters are allocated; truncate the size") == true {
				return truncate()
			}

			return false, ErrFormatInvalid
		}

		// A contiguous chain can march straight out of the heap before the
		// size is satisfied.
		if ex.heapCluster(clus) == false {
			if fsck.repairFileAsk(iter, node, RepairInvalidCluster, "cluster is out of the heap") == true {
				return truncate()
			}

			return false, ErrFormatInvalid
		}

		// Already allocated: shared with another file, or a loop in this
		// chain.
		if bitmapGet(ex.allocBitmap, clus) == true {
			if fsck.repairFileAsk(iter, node, RepairDuplicatedCluster, "cluster is already allocated for the other file") == true {
				return truncate()
			}

			return false, ErrFormatInvalid
		}

		if bitmapGet(ex.diskBitmap, clus) == false {
			if fsck.repairFileAsk(iter, node, RepairInvalidCluster, "cluster is marked as free") == true {
				return truncate()
			}

			return false, ErrFormatInvalid
		}

		next, nextErr := ex.NextCluster(node, clus)
		if nextErr != nil {
			if fsck.repairFileAsk(iter, node, RepairInvalidCluster, "broken cluster chain") == true {
				return truncate()
			}

			return false, ErrFormatInvalid
		}

		if node.IsContiguous == false {
			if ex.heapCluster(next) == false && next != ClusterEOF {
				if fsck.repairFileAsk(iter, node, RepairInvalidCluster, "broken cluster chain") == true {
					return truncate()
				}

				return false, ErrFormatInvalid
			}
		}

		count++
		bitmapSet(ex.allocBitmap, clus)
		prev = clus
		clus = next
	}

	if count < maxCount {
		if fsck.repairFileAsk(iter, node, RepairLargerSize, "less clusters are allocated; shrink the size") == true {
			return truncate()
		}

		return false, ErrFormatInvalid
	}

	return false, nil
}

// fileCalcChecksum recomputes the entry-set checksum over the primary and
// every secondary.
func (fsck *Fsck) fileCalcChecksum(iter *DentryIter) (checksum uint16, err error) {
	fileDentry, err := iter.Get(0)
	if err != nil {
		return 0, err
	}

	checksum = calcDentryChecksum(fileDentry, 0, true)

	for i := 1; i <= int(fileDentry.FileNumExt()); i++ {
		dentry, err := iter.Get(i)
		if err != nil {
			return 0, err
		}

		checksum = calcDentryChecksum(dentry, checksum, false)
	}

	return checksum, nil
}

// checkInode validates one parsed file inode: chain, global size bound,
// the zero-size/no-FAT-chain contradiction, directory size granularity,
// and the entry-set checksum.
func (fsck *Fsck) checkInode(iter *DentryIter, node *Inode) (fixed bool, err error) {
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

	ex := fsck.exfat
	valid := true

	fixed, err = fsck.checkClusterChain(iter, node)
	if err != nil {
		return false, err
	}

	if node.Size > uint64(ex.clusCount)*uint64(ex.clusSize) {
		fsck.fsckErr(resolvePathParent(iter.parent, node), "size is greater than cluster heap")
		valid = false
	}

	if node.Size == 0 && node.IsContiguous == true {
		if fsck.repairFileAsk(iter, node, RepairZeroNoFatChain, "empty, but has no FAT chain") == true {
			streamDentry, err := iter.GetDirty(1)
			log.PanicIf(err)

			streamDentry.SetStreamFlags(streamDentry.StreamFlags() &^ streamFlagContiguous)
			node.IsContiguous = false
			fixed = true
		} else {
			valid = false
		}
	}

	if node.IsDirectory() == true && node.Size%uint64(ex.clusSize) != 0 {
		fsck.fsckErr(resolvePathParent(iter.parent, node), "directory size is not divisible by the cluster size")
		valid = false
	}

	checksum, err := fsck.fileCalcChecksum(iter)
	log.PanicIf(err)

	fileDentry, err := iter.Get(0)
	log.PanicIf(err)

	if checksum != fileDentry.FileChecksum() {
		if fsck.repairFileAsk(iter, node, RepairDentryChecksum, "the checksum of a file is wrong") == true {
			fileDentry, err := iter.GetDirty(0)
			log.PanicIf(err)

			fileDentry.SetFileChecksum(checksum)
			fixed = true
		} else {
			valid = false
		}
	}

	if valid == false {
		return false, ErrFormatInvalid
	}

	return fixed, nil
}

// readFileDentries parses the (file, stream, name...) set at the cursor
// into a transient inode.
func (fsck *Fsck) readFileDentries(iter *DentryIter) (node *Inode, skip int, err error) {
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

	fileDentry, err := iter.Get(0)
	if err != nil || fileDentry.EntryType() != EntryTypeFile {
		checkLogger.Warningf(nil, "failed to get file dentry")
		return nil, 0, ErrFormatInvalid
	}

	streamDentry, err := iter.Get(1)
	if err != nil || streamDentry.EntryType() != EntryTypeStream {
		checkLogger.Warningf(nil, "failed to get stream dentry")
		return nil, 0, ErrFormatInvalid
	}

	fde := new(FileDirectoryEntry)

	err = parseDentry(fileDentry, fde)
	log.PanicIf(err)

	sede := new(StreamExtensionDirectoryEntry)

	err = parseDentry(streamDentry, sede)
	log.PanicIf(err)

	numExt := int(fde.SecondaryCount)
	if numExt < minFileDentries-1 {
		checkLogger.Warningf(nil, "too few secondary count: (%d)", numExt)
		return nil, 0, ErrFormatInvalid
	}

	node = NewInode(fde.FileAttributes)

	name := make([]uint16, 0, (numExt-1)*entryNameChars)
	for i := 2; i <= numExt; i++ {
		nameDentry, err := iter.Get(i)
		if err != nil || nameDentry.EntryType() != EntryTypeName {
			checkLogger.Warningf(nil, "failed to get name dentry")
			return nil, 0, ErrFormatInvalid
		}

		name = append(name, utf16UnitsFromBytes(nameDentry.NameUnicode())...)
	}

	if nameLen := int(sede.NameLength); nameLen > 0 && nameLen <= len(name) {
		name = name[:nameLen]
	}

	node.Name = name
	node.FirstClus = sede.FirstCluster
	node.IsContiguous = sede.IsContiguous()
	node.Size = sede.DataLength

	if node.Size < sede.ValidDataLength {
		if fsck.repairFileAsk(iter, node, RepairValidSize, "valid size is greater than size") == true {
			streamDentry, err := iter.GetDirty(1)
			log.PanicIf(err)

			streamDentry.SetStreamValidSize(streamDentry.StreamSize())
		} else {
			return nil, 0, ErrFormatInvalid
		}
	}

	return node, numExt + 1, nil
}

// readFile parses and validates one file entry set. fixed reports whether a
// repair was applied; an unrepairable file surfaces as ErrFormatInvalid
// and is skipped, not invented.
func (fsck *Fsck) readFile(iter *DentryIter) (node *Inode, skip int, fixed bool, err error) {
	node, skip, err = fsck.readFileDentries(iter)
	if err != nil {
		return nil, skip, false, err
	}

	fixed, err = fsck.checkInode(iter, node)
	if err != nil {
		return nil, skip, false, err
	}

	if node.IsDirectory() == true {
		fsck.stat.DirCount++
	} else {
		fsck.stat.FileCount++
	}

	return node, skip, fixed, nil
}

// readVolumeLabel decodes the volume-label entry at the cursor.
func (fsck *Fsck) readVolumeLabel(iter *DentryIter) bool {
	dentry, err := iter.Get(0)
	if err != nil {
		return false
	}

	charCount := int(dentry.VolCharCount())
	if charCount == 0 {
		return true
	}

	if charCount > volumeLabelMaxLen {
		checkLogger.Warningf(nil, "too long label: (%d)", charCount)
		return false
	}

	label, err := decodeLabel(dentry.VolLabel(), charCount)
	if err != nil {
		checkLogger.Warningf(nil, "failed to decode volume label")
		return false
	}

	fsck.exfat.volumeLabel = label
	checkLogger.Infof(nil, "volume label [%s]", label)

	return true
}

// readChildren scans one directory: every top-level entry is dispatched by
// type, file inodes are validated and discarded, and non-empty
// subdirectories join the pending work list.
func (fsck *Fsck) readChildren(dir *Inode) (err error) {
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

	ex := fsck.exfat
	iter := &fsck.deIter

	err = iter.Init(ex, dir, fsck.bufferDesc)
	if err == io.EOF {
		return nil
	} else if err != nil {
		return err
	}

	var scanErr error

	for fsck.cancelled == false {
		dentry, err := iter.Get(0)
		if err == io.EOF {
			break
		} else if err != nil {
			fsck.fsckErr(resolvePath(dir), "failed to get a dentry")
			scanErr = err
			break
		}

		skip := 1
		done := false

		switch dentry.EntryType() {
		case EntryTypeFile:
			node, fileSkip, fixed, err := fsck.readFile(iter)
			if fileSkip > 0 {
				skip = fileSkip
			}

			if err != nil {
				fsck.stat.ErrorCount++
			} else {
				if fixed == true {
					fsck.stat.ErrorCount++
					fsck.stat.FixedCount++
				}

				if node.IsDirectory() == true && node.Size > 0 {
					dir.AttachChild(node)
					ex.dirList = append(ex.dirList, node)
				}
			}

		case EntryTypeVolume:
			if fsck.readVolumeLabel(iter) == false {
				checkLogger.Warningf(nil, "failed to verify volume label")
				scanErr = ErrFormatInvalid
				done = true
			}

		case EntryTypeBitmap, EntryTypeUpcase:
			// Recorded during the root check.

		case EntryTypeLast:
			done = true

		default:
			if dentry.EntryType().IsDeleted() == false {
				checkLogger.Warningf(nil, "unknown entry type: (0x%02x)", uint8(dentry.EntryType()))
			}
		}

		if done == true {
			break
		}

		err = iter.Advance(skip)
		log.PanicIf(err)
	}

	if scanErr != nil {
		// The directory could not be trusted; orphan its pending children
		// rather than walking into them.
		for _, child := range dir.Children {
			for i, pending := range ex.dirList {
				if pending == child {
					ex.dirList = append(ex.dirList[:i], ex.dirList[i+1:]...)
					break
				}
			}
		}

		dir.Children = nil
	}

	err = iter.Flush()
	log.PanicIf(err)

	return scanErr
}

// rootClusterCount sizes the root directory by walking its chain. A fault
// here is fatal; there is no file entry to truncate.
func (fsck *Fsck) rootClusterCount(root *Inode) (count uint32, ok bool) {
	ex := fsck.exfat
	clus := root.FirstClus

	for {
		if ex.heapCluster(clus) == false {
			checkLogger.Errorf(nil, nil, "/: bad cluster (0x%x)", clus)
			return 0, false
		}

		if bitmapGet(ex.allocBitmap, clus) == true {
			checkLogger.Errorf(nil, nil, "/: cluster is already allocated, or there is a loop in cluster chain")
			return 0, false
		}

		bitmapSet(ex.allocBitmap, clus)

		next, err := ex.NextCluster(root, clus)
		if err != nil {
			checkLogger.Errorf(nil, nil, "/: broken cluster chain")
			return 0, false
		}

		count++

		if next == ClusterEOF {
			break
		}

		clus = next
	}

	return count, true
}

// readBitmap locates the allocation-bitmap entry in the root directory and
// pulls the on-disk bitmap into memory.
func (fsck *Fsck) readBitmap() (err error) {
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

	ex := fsck.exfat

	filter := &LookupFilter{
		Type: EntryTypeBitmap,
	}

	err = LookupDentrySet(ex, ex.root, filter)
	if err != nil {
		return ErrFormatInvalid
	}

	dentry := Dentry(filter.DentrySet[:DentrySize])

	checkLogger.Debugf(nil, "bitmap: start cluster (0x%x), size (0x%x)", dentry.BitmapStartClus(), dentry.BitmapSize())

	if dentry.BitmapSize() < uint64(bitmapSize(ex.clusCount)) {
		checkLogger.Warningf(nil, "invalid size of allocation bitmap: (0x%x)", dentry.BitmapSize())
		return ErrFormatInvalid
	}

	if ex.heapCluster(dentry.BitmapStartClus()) == false {
		checkLogger.Warningf(nil, "invalid start cluster of allocation bitmap: (0x%x)", dentry.BitmapStartClus())
		return ErrFormatInvalid
	}

	ex.diskBitmapClus = dentry.BitmapStartClus()
	ex.diskBitmapSize = bitmapSize(ex.clusCount)

	ex.bitmapSetRange(ex.allocBitmap, ex.diskBitmapClus,
		divRoundUp(ex.diskBitmapSize, ex.clusSize))

	err = ex.bd.ReadAt(ex.diskBitmap[:ex.diskBitmapSize], ex.clusterToOffset(ex.diskBitmapClus))
	if err != nil {
		return err
	}

	return nil
}

// CheckRootDirectory builds the root inode from the boot sector, then
// loads the allocation bitmap and the upcase table through it.
func (fsck *Fsck) CheckRootDirectory() (err error) {
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

	ex := fsck.exfat

	root := NewInode(AttrSubdir)
	root.FirstClus = ex.bs.FirstClusterOfRootDirectory

	count, ok := fsck.rootClusterCount(root)
	if ok == false {
		checkLogger.Errorf(nil, nil, "failed to follow the cluster chain of root")
		return ErrFormatInvalid
	}

	root.Size = uint64(count) * uint64(ex.clusSize)

	ex.root = root
	fsck.stat.DirCount++

	checkLogger.Debugf(nil, "root directory: start cluster (0x%x) size (0x%x)", root.FirstClus, root.Size)

	err = fsck.readBitmap()
	if err != nil {
		checkLogger.Errorf(nil, nil, "failed to read bitmap")
		return ErrFormatInvalid
	}

	err = fsck.readUpcaseTable()
	if err != nil {
		checkLogger.Errorf(nil, nil, "failed to read upcase table")
		return ErrFormatInvalid
	}

	return nil
}

// CheckFilesystem drives the BFS over the pending-directory list seeded
// with the root, then reconciles the FAT and the on-disk bitmap if any
// chain was truncated.
func (fsck *Fsck) CheckFilesystem() (err error) {
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

	ex := fsck.exfat

	if ex.root == nil {
		log.Panicf("root is not loaded")
	}

	ex.dirList = append(ex.dirList, ex.root)

	var walkErr error

	for len(ex.dirList) > 0 && fsck.cancelled == false {
		dir := ex.dirList[0]
		ex.dirList = ex.dirList[1:]

		if dir.IsDirectory() == false {
			fsck.fsckErr(resolvePath(dir), "failed to travel directories; the node is not a directory")
			walkErr = ErrFormatInvalid
			break
		}

		dirErr := fsck.readChildren(dir)
		if dirErr != nil {
			checkLogger.Debugf(nil, "failed to check dentries: [%s]", resolvePath(dir))
			walkErr = dirErr
		}

		// File children were transient; a directory with no surviving
		// subdirectories can release itself and any exhausted ancestors.
		releaseAncestors(dir)
	}

	ex.dirList = nil
	ex.root = nil

	if fsck.dirtyFat == true && fsck.cancelled == false {
		err = fsck.reclaimFreeClusters()
		if err != nil {
			return err
		}
	}

	return walkErr
}
