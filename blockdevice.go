// Positioned I/O against the device (or image file) that holds the volume.

package exfatfsck

import (
	"errors"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

const (
	defaultSectorSize = 512
)

var (
	// ErrIo indicates a short or failed device read/write. Before the walk
	// it ends the run. During the walk a directory that cannot be read
	// ends that directory's scan, the walk goes on with the remaining
	// directories, and the error is returned once the walk finishes; a
	// failed FAT read while validating a chain is handled as a broken
	// chain.
	ErrIo = errors.New("device I/O failed")
)

// BlockDevice wraps the backing file of an exFAT volume with positioned
// reads and writes. Offsets and lengths are not checked for alignment, and
// not every write covers whole sectors (a FAT entry update writes four
// bytes). A short transfer of either kind surfaces as ErrIo.
type BlockDevice struct {
	file afero.File
	name string

	size       int64
	sectorSize uint32
	readOnly   bool
}

// OpenBlockDevice opens the named device through the given filesystem. The
// device size is probed with Stat. The logical sector size of the device is
// not probed here; the boot sector is authoritative for all offset math,
// and images on regular files have no meaningful hardware sector anyway.
func OpenBlockDevice(fs afero.Fs, name string, readOnly bool) (bd *BlockDevice, err error) {
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

	flag := os.O_RDWR
	if readOnly == true {
		flag = os.O_RDONLY
	}

	file, err := fs.OpenFile(name, flag, 0)
	log.PanicIf(err)

	fi, err := file.Stat()
	log.PanicIf(err)

	bd = &BlockDevice{
		file:       file,
		name:       name,
		size:       fi.Size(),
		sectorSize: defaultSectorSize,
		readOnly:   readOnly,
	}

	return bd, nil
}

// NewBlockDeviceWithFile wraps an already-open file. Used by tests that
// build volumes in memory.
func NewBlockDeviceWithFile(file afero.File, size int64, readOnly bool) *BlockDevice {
	return &BlockDevice{
		file:       file,
		name:       file.Name(),
		size:       size,
		sectorSize: defaultSectorSize,
		readOnly:   readOnly,
	}
}

// SectorSize is the device's logical sector size. Boot-region addressing
// is based on this; everything past the boot region follows the boot
// sector's own shift fields.
func (bd *BlockDevice) SectorSize() uint32 {
	return bd.sectorSize
}

// Name returns the path the device was opened with.
func (bd *BlockDevice) Name() string {
	return bd.name
}

// Size returns the device size in bytes.
func (bd *BlockDevice) Size() int64 {
	return bd.size
}

// IsReadOnly indicates whether the device rejects writes.
func (bd *BlockDevice) IsReadOnly() bool {
	return bd.readOnly
}

// ReadAt fills the whole buffer from the given device offset, or fails with
// ErrIo.
func (bd *BlockDevice) ReadAt(buffer []byte, offset int64) (err error) {
	n, err := bd.file.ReadAt(buffer, offset)
	if err != nil || n != len(buffer) {
		return ErrIo
	}

	return nil
}

// WriteAt writes the whole buffer at the given device offset, or fails with
// ErrIo. Writing to a read-only device is a logic error, not an I/O error.
func (bd *BlockDevice) WriteAt(buffer []byte, offset int64) (err error) {
	if bd.readOnly == true {
		log.Panicf("write to read-only device: [%s]", bd.name)
	}

	n, err := bd.file.WriteAt(buffer, offset)
	if err != nil || n != len(buffer) {
		return ErrIo
	}

	return nil
}

// Sync flushes written data to stable storage.
func (bd *BlockDevice) Sync() (err error) {
	err = bd.file.Sync()
	if err != nil {
		return ErrIo
	}

	return nil
}

// Close releases the underlying file.
func (bd *BlockDevice) Close() (err error) {
	return bd.file.Close()
}
