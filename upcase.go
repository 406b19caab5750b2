// The upcase table: located through its root-directory entry, verified
// with the boot-region checksum algorithm, and decompressed from its
// run-length form into the full 65,536-entry uppercase map used for
// case-insensitive name hashing.

package exfatfsck

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

const (
	// upcaseChars is the size of the decompressed table.
	upcaseChars = 0x10000
)

var (
	upcaseLogger = log.NewLogger("exfatfsck.upcase")
)

// decompressUpcaseTable expands the compressed form: a 0xFFFF marker
// followed by a length means "identity mapping for the next length
// positions"; any other value is a literal mapping for the current
// position. Positions beyond the compressed data are identity.
func decompressUpcaseTable(in []uint16, outLen int) []uint16 {
	out := make([]uint16, outLen)

	i := 0
	for i < len(in) {
		ch := in[i]

		if ch == 0xffff && i+1 < len(in) {
			runLength := int(in[i+1])
			if runLength == 0 {
				// A zero run cannot advance; stop expanding rather than
				// spin.
				break
			}

			for k := 0; k < runLength && i+k < outLen; k++ {
				out[i+k] = uint16(i + k)
			}

			i += runLength
		} else {
			if i < outLen {
				out[i] = ch
			}

			i++
		}
	}

	for ; i < outLen; i++ {
		out[i] = uint16(i)
	}

	return out
}

// readUpcaseTable locates the upcase entry in the root directory,
// validates its placement and checksum, and installs the decompressed
// table on the volume.
func (fsck *Fsck) readUpcaseTable() (err error) {
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
		Type: EntryTypeUpcase,
	}

	err = LookupDentrySet(ex, ex.root, filter)
	if err != nil {
		return ErrFormatInvalid
	}

	dentry := Dentry(filter.DentrySet[:DentrySize])

	if ex.heapCluster(dentry.UpcaseStartClus()) == false {
		upcaseLogger.Warningf(nil, "invalid start cluster of upcase table: (0x%x)", dentry.UpcaseStartClus())
		return ErrFormatInvalid
	}

	size := dentry.UpcaseSize()
	if size > upcaseChars*2 || size == 0 || size%2 != 0 {
		upcaseLogger.Warningf(nil, "invalid size of upcase table: (0x%x)", size)
		return ErrFormatInvalid
	}

	raw := make([]byte, size)

	err = ex.bd.ReadAt(raw, ex.clusterToOffset(dentry.UpcaseStartClus()))
	if err != nil {
		upcaseLogger.Warningf(nil, "failed to read upcase table")
		return err
	}

	// The table checksum uses the boot-region algorithm with no skipped
	// bytes.
	checksum := bootCalcChecksum(raw, false, 0)
	if checksum != dentry.UpcaseChecksum() {
		upcaseLogger.Warningf(nil, "corrupted upcase table: (0x%08x) (expected: (0x%08x))", checksum, dentry.UpcaseChecksum())
		return ErrFormatInvalid
	}

	ex.bitmapSetRange(ex.allocBitmap, dentry.UpcaseStartClus(),
		divRoundUp(uint32(size), ex.clusSize))

	ex.upcaseTable = decompressUpcaseTable(utf16UnitsFromBytes(raw), upcaseChars)

	return nil
}
