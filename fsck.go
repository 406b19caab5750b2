// The checker context and the top-level run: boot region, volume state,
// root directory, the tree walk, reconciliation, and the exit-code
// collapse.

package exfatfsck

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
)

// Exit codes, bit-exact with the traditional fsck contract.
const (
	ExitNoErrors       = 0x00
	ExitCorrected      = 0x01
	ExitNeedReboot     = 0x02
	ExitErrorsLeft     = 0x04
	ExitOperationError = 0x08
	ExitSyntaxError    = 0x10
	ExitUserCancel     = 0x20
	ExitLibraryError   = 0x80
)

var (
	// ErrUserCancel indicates the user aborted out of an ASK prompt.
	ErrUserCancel = errors.New("cancelled by user")

	fsckLogger = log.NewLogger("exfatfsck.fsck")
)

// Stat aggregates the walk's counters.
type Stat struct {
	DirCount   int64
	FileCount  int64
	ErrorCount int64
	FixedCount int64
}

// Fsck is the checker context. The former process-globals of the
// traditional tool (counters, mode, dirty flags, the shared buffer pair)
// all live here and are threaded into every component.
type Fsck struct {
	exfat   *Exfat
	options FsckOptions

	deIter     DentryIter
	bufferDesc []*bufferDesc

	stat Stat

	// dirty is set by the first applied repair; dirtyFat additionally
	// marks that a chain was truncated and the FAT/bitmap reconciliation
	// pass must run.
	dirty    bool
	dirtyFat bool

	cancelled bool

	promptIn     io.Reader
	promptOut    io.Writer
	promptReader *bufio.Reader
}

// NewFsck builds a checker with the given repair mode.
func NewFsck(options FsckOptions) *Fsck {
	return &Fsck{
		options:   options,
		promptIn:  os.Stdin,
		promptOut: os.Stdout,
	}
}

// SetPrompt redirects the ASK-mode dialog; tests feed answers through
// here.
func (fsck *Fsck) SetPrompt(in io.Reader, out io.Writer) {
	fsck.promptIn = in
	fsck.promptOut = out
	fsck.promptReader = nil
}

// Stat returns the walk counters.
func (fsck *Fsck) Stat() Stat {
	return fsck.stat
}

// Exfat exposes the volume state once Run (or LoadVolume) has built it.
func (fsck *Fsck) Exfat() *Exfat {
	return fsck.exfat
}

// Dirty indicates whether the volume was mutated.
func (fsck *Fsck) Dirty() bool {
	return fsck.dirty
}

// markVolumeDirty flips the VolumeDirty bit in the boot sector and syncs.
// Every mutating run brackets its writes between the set and the clear.
func (fsck *Fsck) markVolumeDirty(dirty bool) (err error) {
	ex := fsck.exfat

	flags := getUint16(ex.bsRaw[106:108])
	if dirty == true {
		flags |= uint16(VolumeFlagVolumeDirty)
	} else {
		flags &^= uint16(VolumeFlagVolumeDirty)
	}

	putUint16(ex.bsRaw[106:108], flags)

	err = ex.bd.WriteAt(ex.bsRaw, 0)
	if err != nil {
		fsckLogger.Warningf(nil, "failed to set VolumeDirty")
		return err
	}

	err = ex.bd.Sync()
	if err != nil {
		fsckLogger.Warningf(nil, "failed to set VolumeDirty")
		return err
	}

	return nil
}

// LoadVolume validates the boot region and builds the volume state and the
// shared buffer pair.
func (fsck *Fsck) LoadVolume(bd *BlockDevice) (err error) {
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

	bsh, raw, err := fsck.CheckBootRegion(bd)
	if err != nil {
		return err
	}

	fsck.exfat = NewExfat(bd, bsh, raw)
	fsck.bufferDesc = allocBufferDescs(2, fsck.exfat.ClusterSize(), fsck.exfat.SectorSize())

	return nil
}

// Run checks the whole volume and reports the outcome as an error the
// caller collapses with ExitCode.
func (fsck *Fsck) Run(bd *BlockDevice) (err error) {
	err = fsck.LoadVolume(bd)
	if err != nil {
		return err
	}

	// An ASK run can degrade to report-only mid-walk; the clear at the end
	// follows the mode the run started in.
	writable := fsck.options.IsWritable()

	if writable == true {
		err = fsck.markVolumeDirty(true)
		if err != nil {
			return err
		}
	}

	fsckLogger.Debugf(nil, "verifying root directory...")

	err = fsck.CheckRootDirectory()
	if err != nil {
		fsckLogger.Warningf(nil, "failed to verify root directory")
		return err
	}

	fsckLogger.Debugf(nil, "verifying directory entries...")

	err = fsck.CheckFilesystem()
	if err != nil {
		return err
	}

	if fsck.cancelled == true {
		return ErrUserCancel
	}

	if writable == true {
		err = bd.Sync()
		if err != nil {
			return err
		}

		err = fsck.markVolumeDirty(false)
		if err != nil {
			return err
		}
	}

	return nil
}

// ExitCode collapses a Run outcome to the fsck exit contract.
func (fsck *Fsck) ExitCode(err error) int {
	switch {
	case errors.Is(err, ErrUserCancel) == true:
		return ExitUserCancel
	case errors.Is(err, ErrFormatInvalid) == true:
		return ExitErrorsLeft
	case err != nil:
		return ExitOperationError
	case fsck.stat.ErrorCount > fsck.stat.FixedCount:
		return ExitErrorsLeft
	case fsck.dirty == true:
		return ExitCorrected
	}

	return ExitNoErrors
}

// ShowInfo prints the volume summary the traditional tool ends with.
func (fsck *Fsck) ShowInfo(w io.Writer, deviceName string, errorsLeft bool) {
	ex := fsck.exfat
	if ex == nil {
		return
	}

	fmt.Fprintf(w, "sector size:  %s\n", humanize.IBytes(uint64(ex.SectorSize())))
	fmt.Fprintf(w, "cluster size: %s\n", humanize.IBytes(uint64(ex.ClusterSize())))
	fmt.Fprintf(w, "volume size:  %s\n", humanize.IBytes(uint64(ex.Device().Size())))

	state := "clean"
	if errorsLeft == true {
		state = "checking stopped"
	}

	fmt.Fprintf(w, "%s: %s. directories %d, files %d\n", deviceName, state,
		fsck.stat.DirCount, fsck.stat.FileCount)

	if errorsLeft == true || fsck.dirty == true {
		fmt.Fprintf(w, "%s: files corrupted %d, files fixed %d\n", deviceName,
			fsck.stat.ErrorCount, fsck.stat.FixedCount)
	}
}
