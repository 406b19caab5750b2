// Streaming lookup of one entry set within a directory. The filter walks
// the directory with its own window pair, matching on entry type plus an
// optional predicate, and on the way records where the run of free
// entries it ends in begins, so creation paths know where a new set can
// land.

package exfatfsck

import (
	"io"
	"reflect"

	"github.com/dsoprea/go-logging"
)

var (
	lookupLogger = log.NewLogger("exfatfsck.lookup")
)

// LookupFilterFunc inspects the entry set at the iterator's cursor.
// matched reports a hit; dentryCount is the number of entries the
// inspected set spans (so misses advance past the whole set).
type LookupFilterFunc func(iter *DentryIter) (matched bool, dentryCount int, err error)

// LookupFilter carries the predicate in and the match out.
type LookupFilter struct {
	// Type is the primary entry type to match on.
	Type EntryType

	// Filter optionally narrows matches beyond the type; nil matches the
	// first entry of the given type.
	Filter LookupFilterFunc

	// DentrySet is a copy of the matched set.
	DentrySet []byte

	// DentryCount is the number of entries in DentrySet.
	DentryCount int

	// DeviceOffset is the device offset of the matched set or, when the
	// lookup missed, of the first entry of the run of free entries
	// (deleted, or the end-of-directory entry) that the scan ended in.
	// Free entries followed by in-use ones are not reported; -1 when the
	// scan did not end in a free run.
	DeviceOffset int64
}

// LookupDentrySet scans the directory for the first entry set matching the
// filter. The set is copied out but not verified. Returns io.EOF when no
// entry matches.
func LookupDentrySet(exfat *Exfat, parent *Inode, filter *LookupFilter) (err error) {
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

	bd := allocBufferDescs(2, exfat.ClusterSize(), exfat.SectorSize())

	iter := new(DentryIter)

	filter.DentrySet = nil
	filter.DentryCount = 0
	filter.DeviceOffset = -1

	freeOffset := int64(-1)
	lastIsFree := false

	err = iter.Init(exfat, parent, bd)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}

		log.PanicIf(err)
	}

	for {
		dentry, err := iter.Get(0)
		if err == io.EOF {
			break
		} else if err != nil {
			lookupLogger.Warningf(nil, "failed to get a dentry: [%s]", resolvePath(parent))
			log.PanicIf(err)
		}

		dentryCount := 1
		entryType := dentry.EntryType()

		if entryType == filter.Type {
			matched := true
			if filter.Filter != nil {
				matched, dentryCount, err = filter.Filter(iter)
				log.PanicIf(err)
			}

			if matched == true {
				set := make([]byte, dentryCount*DentrySize)
				for i := 0; i < dentryCount; i++ {
					d, err := iter.Get(i)
					log.PanicIf(err)

					copy(set[i*DentrySize:], d)
				}

				filter.DentrySet = set
				filter.DentryCount = dentryCount
				filter.DeviceOffset = iter.DeviceOffset()

				return nil
			}

			lastIsFree = false
		} else if entryType.IsEndOfDirectory() == true || entryType.IsDeleted() == true {
			if lastIsFree == false {
				freeOffset = iter.DeviceOffset()
				lastIsFree = true
			}

			if entryType.IsEndOfDirectory() == true {
				break
			}
		} else {
			lastIsFree = false
		}

		err = iter.Advance(dentryCount)
		log.PanicIf(err)
	}

	if lastIsFree == true {
		filter.DeviceOffset = freeOffset
	}

	return io.EOF
}

// newNameLookupFilter builds the by-name predicate: the stream entry's
// name length and hash short-cut the comparison, then the name entries are
// compared unit-by-unit through the upcase table.
func newNameLookupFilter(exfat *Exfat, name []uint16) (filter *LookupFilter, err error) {
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

	if len(name) == 0 || len(name) > nameMax {
		return nil, ErrFormatInvalid
	}

	nameHash := calcNameChecksum(exfat.upcaseTable, name)

	upcased := func(unit uint16) uint16 {
		if int(unit) < len(exfat.upcaseTable) {
			return exfat.upcaseTable[unit]
		}

		return unit
	}

	filterFn := func(iter *DentryIter) (matched bool, dentryCount int, err error) {
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
		log.PanicIf(err)

		dentryCount = int(fileDentry.FileNumExt()) + 1

		streamDentry, err := iter.Get(1)
		if err != nil || streamDentry.EntryType() != EntryTypeStream {
			return false, dentryCount, nil
		}

		if int(streamDentry.StreamNameLen()) != len(name) ||
			streamDentry.StreamNameHash() != nameHash {
			return false, dentryCount, nil
		}

		for i := 0; i < len(name); i++ {
			nameDentry, err := iter.Get(2 + i/entryNameChars)
			if err != nil || nameDentry.EntryType() != EntryTypeName {
				return false, dentryCount, nil
			}

			unit := getUint16(nameDentry.NameUnicode()[(i%entryNameChars)*2:])
			if upcased(unit) != upcased(name[i]) {
				return false, dentryCount, nil
			}
		}

		return true, dentryCount, nil
	}

	filter = &LookupFilter{
		Type:   EntryTypeFile,
		Filter: filterFn,
	}

	return filter, nil
}

// LookupFile finds the entry set of the named child. Returns io.EOF when
// the name does not exist; the filter then carries the free-slot offset
// described on LookupFilter.DeviceOffset.
func LookupFile(exfat *Exfat, parent *Inode, name string) (filter *LookupFilter, err error) {
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

	units, err := stringToUtf16(name)
	log.PanicIf(err)

	filter, err = newNameLookupFilter(exfat, units)
	log.PanicIf(err)

	err = LookupDentrySet(exfat, parent, filter)
	if err == io.EOF {
		return filter, io.EOF
	}

	log.PanicIf(err)

	return filter, nil
}
