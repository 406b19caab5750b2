// Building and inserting new directory-entry sets. The checker itself only
// rewrites existing metadata; creation exists for callers that need to
// materialize a file or directory entry into the free slot that the lookup
// filter reports for a parent directory.

package exfatfsck

import (
	"errors"
	"io"
	"reflect"
	"time"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrExist indicates the name is already taken with incompatible
	// attributes.
	ErrExist = errors.New("file already exists")

	// ErrNoSpace indicates the parent directory has no usable free slot.
	ErrNoSpace = errors.New("no space in directory")
)

// BuildFileDentrySet assembles a checksum-valid (file, stream, name...)
// set for the given name and attributes.
func (ex *Exfat) BuildFileDentrySet(name string, attr FileAttributes, now time.Time) (set []byte, dentryCount int, err error) {
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

	nameLen := len(units)
	if nameLen == 0 || nameLen > nameMax {
		return nil, 0, ErrFormatInvalid
	}

	dentryCount = 2 + (nameLen+entryNameChars-1)/entryNameChars
	set = make([]byte, dentryCount*DentrySize)

	timestamp := NewExfatTimestamp(now)

	// Timezone: UTC, valid.
	tz := uint8(0x80)
	timeMs := uint8((now.UTC().Second() & 1) * 100)

	fileDentry := Dentry(set[0:DentrySize])
	fileDentry.SetEntryType(EntryTypeFile)
	fileDentry[1] = uint8(dentryCount - 1)
	putUint16(fileDentry[4:6], uint16(attr))
	putUint32(fileDentry[8:12], uint32(timestamp))
	putUint32(fileDentry[12:16], uint32(timestamp))
	putUint32(fileDentry[16:20], uint32(timestamp))
	fileDentry[20] = timeMs
	fileDentry[21] = timeMs
	fileDentry[22] = tz
	fileDentry[23] = tz
	fileDentry[24] = tz

	streamDentry := Dentry(set[DentrySize : 2*DentrySize])
	streamDentry.SetEntryType(EntryTypeStream)
	streamDentry.SetStreamFlags(streamFlagAllocPossible)
	streamDentry[3] = uint8(nameLen)
	putUint16(streamDentry[4:6], calcNameChecksum(ex.upcaseTable, units))

	for i := 2; i < dentryCount; i++ {
		nameDentry := Dentry(set[i*DentrySize : (i+1)*DentrySize])
		nameDentry.SetEntryType(EntryTypeName)

		chunk := units[(i-2)*entryNameChars:]
		if len(chunk) > entryNameChars {
			chunk = chunk[:entryNameChars]
		}

		copy(nameDentry.NameUnicode(), utf16UnitsToBytes(chunk))
	}

	checksum := calcDentryChecksum(Dentry(set[0:DentrySize]), 0, true)
	for i := 1; i < dentryCount; i++ {
		checksum = calcDentryChecksum(Dentry(set[i*DentrySize:(i+1)*DentrySize]), checksum, false)
	}

	fileDentry.SetFileChecksum(checksum)

	return set, dentryCount, nil
}

// CreateFile inserts an empty file (or directory) entry set into the free
// slot that the name lookup reports (see LookupFilter.DeviceOffset). An
// existing name with the requested attributes is not an error; with
// different attributes it is.
func (ex *Exfat) CreateFile(parent *Inode, name string, attr FileAttributes) (err error) {
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

	filter, err := LookupFile(ex, parent, name)
	if err == nil {
		existing := Dentry(filter.DentrySet[:DentrySize])
		if existing.FileAttr()&attr != attr {
			return ErrExist
		}

		return nil
	} else if err != io.EOF {
		log.PanicIf(err)
	}

	if filter.DeviceOffset < 0 {
		return ErrNoSpace
	}

	set, dentryCount, err := ex.BuildFileDentrySet(name, attr, time.Now())
	log.PanicIf(err)

	_, offset, err := ex.offsetToCluster(filter.DeviceOffset)
	log.PanicIf(err)

	setLen := uint32(dentryCount * DentrySize)
	if offset+setLen > ex.clusSize {
		// A new set may not straddle into a cluster the directory might
		// not own past this point.
		return ErrNoSpace
	}

	err = ex.bd.WriteAt(set, filter.DeviceOffset)
	log.PanicIf(err)

	return nil
}
