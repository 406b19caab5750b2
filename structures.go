// This file models the on-disk storage structures: the boot sector, the
// FAT sentinels, and the directory entries, along with the checksum
// algorithms that protect them.

package exfatfsck

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	bootSectorHeaderSize = 512

	// DentrySize: This field is mandatory and Section 6.1 defines its
	// contents.
	DentrySize = 32

	// firstCluster is the index of the first cluster of the cluster heap.
	firstCluster = 2

	// ClusterFree marks an unallocated FAT entry (and an absent
	// first-cluster).
	ClusterFree = uint32(0)

	// ClusterBad marks a cluster with one or more bad sectors.
	ClusterBad = uint32(0xfffffff7)

	// ClusterEOF marks the last cluster of a chain.
	ClusterEOF = uint32(0xffffffff)

	// entryNameChars is the number of UTF-16 units carried by one file-name
	// entry.
	entryNameChars = 15

	// nameMax is the longest file name, in UTF-16 units.
	nameMax = 255

	// volumeLabelMaxLen is the longest volume label, in UTF-16 units.
	volumeLabelMaxLen = 11

	// minFileDentries is the smallest valid entry set: file, stream, and at
	// least one name entry.
	minFileDentries = 3
)

var (
	requiredFileSystemName = []byte("EXFAT   ")
)

var (
	// ErrFormatInvalid indicates a field that is out of spec with no repair
	// defined; fatal.
	ErrFormatInvalid = errors.New("filesystem structure not valid")
)

// BootSectorHeader describes the main set of filesystem parameters.
//
// Only the fields the checker validates or repairs carry commentary; the
// exFAT specification (Section 3.1) defines the rest.
type BootSectorHeader struct {
	// JumpBoot is the boot-strapping jump instruction. Not validated; the
	// region checksum covers it.
	JumpBoot [3]byte

	// FileSystemName shall contain "EXFAT   ", with three trailing spaces.
	FileSystemName [8]byte

	// MustBeZero corresponds to the packed BIOS parameter block of
	// FAT12/16/32 volumes and prevents those implementations from mounting
	// an exFAT volume.
	MustBeZero [53]byte

	PartitionOffset uint64

	// VolumeLength is the size of the volume in sectors; it may not exceed
	// the device.
	VolumeLength uint64

	// FatOffset is the volume-relative sector offset of the first FAT.
	FatOffset uint32

	// FatLength is the length of each FAT in sectors.
	FatLength uint32

	// ClusterHeapOffset is the volume-relative sector offset of the cluster
	// heap.
	ClusterHeapOffset uint32

	// ClusterCount is the number of clusters the heap contains.
	ClusterCount uint32

	// FirstClusterOfRootDirectory: at least 2, at most ClusterCount + 1.
	FirstClusterOfRootDirectory uint32

	VolumeSerialNumber uint32

	// FileSystemRevision is minor-then-major. The only revision this tool
	// mounts is 1.00.
	FileSystemRevision [2]uint8

	// VolumeFlags is excluded from the region checksum; the backup copy of
	// this field is stale by definition.
	VolumeFlags VolumeFlags

	// BytesPerSectorShift: log2 of the sector size; 9 through 12.
	BytesPerSectorShift uint8

	// SectorsPerClusterShift: log2 of the sectors per cluster; at most
	// 25 - BytesPerSectorShift (a 32MB cluster).
	SectorsPerClusterShift uint8

	// NumberOfFats is 1, or 2 for TexFAT volumes, which this tool does not
	// support.
	NumberOfFats uint8

	DriveSelect uint8

	// PercentInUse is excluded from the region checksum. 0xFF means "not
	// available", which is what a restore from backup forces it to.
	PercentInUse uint8

	Reserved [7]byte

	BootCode [390]byte

	// BootSignature shall be AA55h.
	BootSignature uint16
}

// NewBootSectorHeaderFromBytes parses one boot sector.
func NewBootSectorHeaderFromBytes(data []byte) (bsh *BootSectorHeader, err error) {
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

	if len(data) < bootSectorHeaderSize {
		log.Panicf("boot sector too small: (%d)", len(data))
	}

	bsh = new(BootSectorHeader)

	err = restruct.Unpack(data[:bootSectorHeaderSize], defaultEncoding, bsh)
	log.PanicIf(err)

	return bsh, nil
}

// SectorSize returns the effective sector size.
func (bsh BootSectorHeader) SectorSize() uint32 {
	return uint32(1) << bsh.BytesPerSectorShift
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (bsh BootSectorHeader) SectorsPerCluster() uint32 {
	return uint32(1) << bsh.SectorsPerClusterShift
}

// ClusterSize returns the effective cluster size.
func (bsh BootSectorHeader) ClusterSize() uint32 {
	return uint32(1) << (uint32(bsh.BytesPerSectorShift) + uint32(bsh.SectorsPerClusterShift))
}

// String returns a description of BSH.
func (bsh BootSectorHeader) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x)>", bsh.VolumeSerialNumber, bsh.FileSystemRevision[0], bsh.FileSystemRevision[1])
}

const (
	// VolumeFlagActiveFat describes which FAT and allocation bitmap are
	// active; only TexFAT-aware implementations switch them.
	VolumeFlagActiveFat VolumeFlags = 1

	// VolumeFlagVolumeDirty means the volume is probably in an inconsistent
	// state. Implementations which resolve metadata inconsistencies may
	// clear it after ensuring the filesystem is consistent.
	VolumeFlagVolumeDirty VolumeFlags = 2

	// VolumeFlagMediaFailure means the hosting media has reported failures
	// that are not yet recorded as "bad" clusters.
	VolumeFlagMediaFailure VolumeFlags = 4
)

// VolumeFlags represents some state flags for the filesystem.
type VolumeFlags uint16

// IsDirty indicates that the volume was not cleanly unmounted or a repair
// is in progress.
func (vf VolumeFlags) IsDirty() bool {
	return vf&VolumeFlagVolumeDirty > 0
}

// UseFirstFat indicates whether the first FAT should be used.
func (vf VolumeFlags) UseFirstFat() bool {
	return vf&VolumeFlagActiveFat == 0
}

// EntryType is the first byte of every directory entry.
type EntryType uint8

const (
	// EntryTypeLast terminates a directory; no entries follow it.
	EntryTypeLast EntryType = 0x00

	EntryTypeBitmap EntryType = 0x81
	EntryTypeUpcase EntryType = 0x82
	EntryTypeVolume EntryType = 0x83
	EntryTypeFile   EntryType = 0x85
	EntryTypeStream EntryType = 0xc0
	EntryTypeName   EntryType = 0xc1
)

func (et EntryType) IsEndOfDirectory() bool {
	return et == EntryTypeLast
}

// IsDeleted indicates an entry whose in-use bit was cleared; the slot can
// be reused.
func (et EntryType) IsDeleted() bool {
	return et >= 0x01 && et <= 0x7f
}

func (et EntryType) IsInUse() bool {
	return et&0x80 > 0
}

func (et EntryType) IsPrimary() bool {
	return et&0x40 == 0
}

func (et EntryType) IsSecondary() bool {
	return et&0x40 > 0
}

func (et EntryType) String() string {
	return fmt.Sprintf("EntryType<(0x%02x) IS-IN-USE=[%v] IS-PRIMARY=[%v]>", uint8(et), et.IsInUse(), et.IsPrimary())
}

const (
	// streamFlagAllocPossible: the entry describes an allocation.
	streamFlagAllocPossible = 0x01

	// streamFlagContiguous: the allocation is one contiguous series of
	// clusters and the corresponding FAT entries are not valid.
	streamFlagContiguous = 0x02
)

// Dentry is a raw 32-byte directory entry inside one of the iterator's
// window buffers. The getters decode in place; the setters write through
// to the buffer, so a GetDirty+mutate+advance sequence persists.
type Dentry []byte

func (d Dentry) EntryType() EntryType {
	return EntryType(d[0])
}

func (d Dentry) SetEntryType(et EntryType) {
	d[0] = uint8(et)
}

// File-entry fields.

func (d Dentry) FileNumExt() uint8 {
	return d[1]
}

func (d Dentry) FileChecksum() uint16 {
	return getUint16(d[2:4])
}

func (d Dentry) SetFileChecksum(value uint16) {
	putUint16(d[2:4], value)
}

func (d Dentry) FileAttr() FileAttributes {
	return FileAttributes(getUint16(d[4:6]))
}

// Stream-entry fields.

func (d Dentry) StreamFlags() uint8 {
	return d[1]
}

func (d Dentry) SetStreamFlags(value uint8) {
	d[1] = value
}

func (d Dentry) StreamNameLen() uint8 {
	return d[3]
}

func (d Dentry) StreamNameHash() uint16 {
	return getUint16(d[4:6])
}

func (d Dentry) StreamValidSize() uint64 {
	return getUint64(d[8:16])
}

func (d Dentry) SetStreamValidSize(value uint64) {
	putUint64(d[8:16], value)
}

func (d Dentry) StreamStartClus() uint32 {
	return getUint32(d[20:24])
}

func (d Dentry) SetStreamStartClus(value uint32) {
	putUint32(d[20:24], value)
}

func (d Dentry) StreamSize() uint64 {
	return getUint64(d[24:32])
}

func (d Dentry) SetStreamSize(value uint64) {
	putUint64(d[24:32], value)
}

// Name-entry fields.

func (d Dentry) NameUnicode() []byte {
	return d[2 : 2+entryNameChars*2]
}

// Bitmap-entry fields.

func (d Dentry) BitmapStartClus() uint32 {
	return getUint32(d[20:24])
}

func (d Dentry) BitmapSize() uint64 {
	return getUint64(d[24:32])
}

// Upcase-entry fields.

func (d Dentry) UpcaseChecksum() uint32 {
	return getUint32(d[4:8])
}

func (d Dentry) UpcaseStartClus() uint32 {
	return getUint32(d[20:24])
}

func (d Dentry) UpcaseSize() uint64 {
	return getUint64(d[24:32])
}

// Volume-label fields.

func (d Dentry) VolCharCount() uint8 {
	return d[1]
}

func (d Dentry) VolLabel() []byte {
	return d[2 : 2+volumeLabelMaxLen*2]
}

// FileAttributes is the attribute word of a file entry.
type FileAttributes uint16

const (
	AttrReadOnly FileAttributes = 0x01
	AttrHidden   FileAttributes = 0x02
	AttrSystem   FileAttributes = 0x04
	AttrSubdir   FileAttributes = 0x10
	AttrArchive  FileAttributes = 0x20
)

func (fa FileAttributes) IsDirectory() bool {
	return fa&AttrSubdir > 0
}

func (fa FileAttributes) String() string {
	return fmt.Sprintf("FileAttributes<IS-READONLY=[%v] IS-HIDDEN=[%v] IS-SYSTEM=[%v] IS-DIRECTORY=[%v] IS-ARCHIVE=[%v]>",
		fa&AttrReadOnly > 0, fa&AttrHidden > 0, fa&AttrSystem > 0, fa.IsDirectory(), fa&AttrArchive > 0)
}

// ExfatTimestamp is the packed date-time used by the create/modify/access
// fields of a file entry. Seconds are stored halved.
type ExfatTimestamp uint32

func (et ExfatTimestamp) Second() int {
	return int(et&31) * 2
}

func (et ExfatTimestamp) Minute() int {
	return int(et>>5) & 63
}

func (et ExfatTimestamp) Hour() int {
	return int(et>>11) & 31
}

func (et ExfatTimestamp) Day() int {
	return int(et>>16) & 31
}

func (et ExfatTimestamp) Month() int {
	return int(et>>21) & 15
}

func (et ExfatTimestamp) Year() int {
	return 1980 + int(et>>25)
}

func (et ExfatTimestamp) Timestamp() time.Time {
	return time.Date(et.Year(), time.Month(et.Month()), et.Day(), et.Hour(), et.Minute(), et.Second(), 0, time.UTC)
}

func (et ExfatTimestamp) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", et.Year(), et.Month(), et.Day(), et.Hour(), et.Minute(), et.Second())
}

// NewExfatTimestamp packs a time.Time. Sub-2-second precision is carried
// by the separate 10ms-increment field, which this tool writes as whole
// odd seconds only.
func NewExfatTimestamp(t time.Time) ExfatTimestamp {
	t = t.UTC()

	packed := uint32(t.Year()-1980) << 25
	packed |= uint32(t.Month()) << 21
	packed |= uint32(t.Day()) << 16
	packed |= uint32(t.Hour()) << 11
	packed |= uint32(t.Minute()) << 5
	packed |= uint32(t.Second()) >> 1

	return ExfatTimestamp(packed)
}

// FileDirectoryEntry is the typed view of a file primary entry.
type FileDirectoryEntry struct {
	EntryType       EntryType
	SecondaryCount  uint8
	SetChecksum     uint16
	FileAttributes  FileAttributes
	Reserved1       uint16
	CreateTimestamp ExfatTimestamp
	ModifyTimestamp ExfatTimestamp
	AccessTimestamp ExfatTimestamp
	Create10ms      uint8
	Modify10ms      uint8
	CreateUtcOffset uint8
	ModifyUtcOffset uint8
	AccessUtcOffset uint8
	Reserved2       [7]byte
}

func (fde FileDirectoryEntry) String() string {
	return fmt.Sprintf("FileDirectoryEntry<SECONDARY-COUNT=(%d) ATTR=[%s] CTIME=[%s] MTIME=[%s]>",
		fde.SecondaryCount, fde.FileAttributes, fde.CreateTimestamp, fde.ModifyTimestamp)
}

// StreamExtensionDirectoryEntry is the typed view of a stream secondary
// entry.
type StreamExtensionDirectoryEntry struct {
	EntryType             EntryType
	GeneralSecondaryFlags uint8
	Reserved1             [1]byte
	NameLength            uint8
	NameHash              uint16
	Reserved2             [2]byte
	ValidDataLength       uint64
	Reserved3             [4]byte
	FirstCluster          uint32
	DataLength            uint64
}

// IsContiguous indicates that the allocation has no FAT chain.
func (sede StreamExtensionDirectoryEntry) IsContiguous() bool {
	return sede.GeneralSecondaryFlags&streamFlagContiguous != 0
}

func (sede StreamExtensionDirectoryEntry) String() string {
	return fmt.Sprintf("StreamExtensionDirectoryEntry<NAME-LENGTH=(%d) NAME-HASH=(0x%04x) VALID-DATA-LENGTH=(%d) FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>",
		sede.NameLength, sede.NameHash, sede.ValidDataLength, sede.FirstCluster, sede.DataLength)
}

// parseDentry unpacks one raw entry into the given typed struct.
func parseDentry(raw Dentry, x interface{}) (err error) {
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

	err = restruct.Unpack(raw, defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// bootCalcChecksum feeds one sector into the rotate-right-then-add running
// checksum of the boot region. For the boot sector itself the three
// mutable bytes (VolumeFlags and PercentInUse) are excluded.
func bootCalcChecksum(data []byte, isBootSector bool, checksum uint32) uint32 {
	for i := 0; i < len(data); i++ {
		if isBootSector == true && (i == 106 || i == 107 || i == 112) {
			continue
		}

		checksum = ((checksum << 31) | (checksum >> 1)) + uint32(data[i])
	}

	return checksum
}

// calcDentryChecksum feeds one entry into the running 16-bit entry-set
// checksum. The primary entry's own checksum field is excluded.
func calcDentryChecksum(d Dentry, checksum uint16, primary bool) uint16 {
	for i := 0; i < DentrySize; i++ {
		if primary == true && (i == 2 || i == 3) {
			continue
		}

		checksum = ((checksum << 15) | (checksum >> 1)) + uint16(d[i])
	}

	return checksum
}

// calcNameChecksum hashes an upcased UTF-16 name the way the stream
// entry's NameHash field stores it.
func calcNameChecksum(upcaseTable []uint16, name []uint16) uint16 {
	checksum := uint16(0)

	for _, ch := range name {
		if int(ch) < len(upcaseTable) {
			ch = upcaseTable[ch]
		}

		checksum = ((checksum << 15) | (checksum >> 1)) + (ch & 0xff)
		checksum = ((checksum << 15) | (checksum >> 1)) + (ch >> 8)
	}

	return checksum
}
