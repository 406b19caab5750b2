// The repair-decision policy: every detected fault is classified by a
// repair code, the active mode decides whether the fix is applied, and the
// outcome is tracked on the checker context.

package exfatfsck

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// RepairCode classifies one detected fault.
type RepairCode int

const (
	// RepairBootRegion: the primary boot region failed validation and a
	// backup restore is possible.
	RepairBootRegion RepairCode = iota

	// RepairFirstCluster: the stream entry's first cluster contradicts its
	// size. Truncates to zero.
	RepairFirstCluster

	// RepairSmallerSize: more clusters are chained than the size needs.
	// Cuts the chain after the clusters the size needs and sets the size
	// to those whole clusters.
	RepairSmallerSize

	// RepairDuplicatedCluster: a chained cluster is already owned, by
	// another file or by an earlier link of the same chain. Truncates at
	// the duplicate.
	RepairDuplicatedCluster

	// RepairInvalidCluster: a chained cluster is marked free on disk, or
	// the chain escapes the heap. Truncates at the fault.
	RepairInvalidCluster

	// RepairLargerSize: the chain ends before the size is satisfied.
	// Shrinks the size to the chain.
	RepairLargerSize

	// RepairZeroNoFatChain: an empty file carries the contiguous flag.
	// Clears the flag.
	RepairZeroNoFatChain

	// RepairValidSize: valid_size exceeds size. Caps it.
	RepairValidSize

	// RepairDentryChecksum: the stored entry-set checksum disagrees with
	// the recomputed one. Replaces the stored value.
	RepairDentryChecksum
)

var repairCodeNames = map[RepairCode]string{
	RepairBootRegion:        "boot-region",
	RepairFirstCluster:      "first-cluster",
	RepairSmallerSize:       "smaller-size",
	RepairDuplicatedCluster: "duplicated-cluster",
	RepairInvalidCluster:    "invalid-cluster",
	RepairLargerSize:        "larger-size",
	RepairZeroNoFatChain:    "zero-nofat",
	RepairValidSize:         "valid-size",
	RepairDentryChecksum:    "dentry-checksum",
}

func (code RepairCode) String() string {
	return repairCodeNames[code]
}

// autoRepairable is the deterministic subset AUTO mode answers yes to:
// metadata-only rewrites that cannot drop data clusters. The truncating
// classes are excluded.
var autoRepairable = map[RepairCode]bool{
	RepairBootRegion:     true,
	RepairLargerSize:     true,
	RepairZeroNoFatChain: true,
	RepairValidSize:      true,
	RepairDentryChecksum: true,
}

// FsckOptions selects the repair mode. The repair modes are mutually
// exclusive.
type FsckOptions uint32

const (
	// OptRepairAsk prompts for each fault.
	OptRepairAsk FsckOptions = 0x01

	// OptRepairYes repairs without asking.
	OptRepairYes FsckOptions = 0x02

	// OptRepairNo reports only; the device is opened read-only.
	OptRepairNo FsckOptions = 0x04

	// OptRepairAuto repairs the safe classes, leaves the rest.
	OptRepairAuto FsckOptions = 0x08

	// OptRescueClusters is accepted for compatibility; no rescue pass is
	// defined.
	OptRescueClusters FsckOptions = 0x10

	// OptRepairWrite covers every mode that may write.
	OptRepairWrite = OptRepairAsk | OptRepairYes | OptRepairAuto

	// OptRepairAll covers every repair-mode bit.
	OptRepairAll = OptRepairAsk | OptRepairYes | OptRepairNo | OptRepairAuto
)

// IsWritable indicates whether the options permit mutating the device.
func (options FsckOptions) IsWritable() bool {
	return options&OptRepairWrite != 0
}

// repairAsk decides whether the fault named by code may be fixed. A yes
// marks the volume mutated; the walk aggregates the corrupted/fixed
// counters per file.
func (fsck *Fsck) repairAsk(code RepairCode, path, description string) bool {
	fmt.Fprintf(fsck.promptOut, "ERROR: %s: %s\n", path, description)

	repair := false

	switch {
	case fsck.options&OptRepairYes != 0:
		repair = true
	case fsck.options&OptRepairAuto != 0:
		repair = autoRepairable[code]
	case fsck.options&OptRepairAsk != 0:
		repair = fsck.promptUser()
	}

	if repair == true {
		fsck.dirty = true
	}

	return repair
}

// promptUser blocks on one y/n/a answer. "a" aborts the walk: the cancel
// flag makes the driver exit after flushing the iterator.
func (fsck *Fsck) promptUser() bool {
	if fsck.promptReader == nil {
		fsck.promptReader = bufio.NewReader(fsck.promptIn)
	}

	for {
		fmt.Fprintf(fsck.promptOut, "Fix? [y/n/a]: ")

		line, err := fsck.promptReader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				// No answers left; treat like "no" for this and every
				// later fault.
				fsck.options = (fsck.options &^ OptRepairAll) | OptRepairNo
				return false
			}

			return false
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		case "a", "abort":
			fsck.cancelled = true
			return false
		}
	}
}
