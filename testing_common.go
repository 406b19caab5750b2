package exfatfsck

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/spf13/afero"
)

// The tests build small but complete volumes in memory rather than
// shipping image assets: every fault scenario needs bit-exact control over
// the FAT, the bitmap, and individual entry fields.

const (
	testSectorSize   = 512
	testSectorBits   = 9
	testClusterCount = 64

	testFatOffsetSectors  = 24
	testFatLengthSectors  = 2
	testHeapOffsetSectors = 32

	testBitmapCluster = 2
	testUpcaseCluster = 3
	testRootCluster   = 4

	testVolumeName = "test.exfat"
)

// testVolumeBuilder assembles a valid single-FAT exFAT image, which tests
// then selectively corrupt.
type testVolumeBuilder struct {
	data []byte

	// dirEntries maps a directory's first cluster to its accumulated
	// 32-byte entries; unfilled space stays zero, which is end-of-
	// directory.
	dirEntries map[uint32][]byte

	upcaseData []uint16

	label string
}

func newTestVolumeBuilder() *testVolumeBuilder {
	size := (testHeapOffsetSectors + testClusterCount) * testSectorSize

	b := &testVolumeBuilder{
		data:       make([]byte, size),
		dirEntries: map[uint32][]byte{},

		// Literal identity mappings for a handful of positions; the
		// decompressed tail is identity regardless.
		upcaseData: []uint16{0, 1, 2, 3, 4, 5, 6, 7},

		label: "TESTVOL",
	}

	b.setFatRaw(0, 0xfffffff8)
	b.setFatRaw(1, 0xffffffff)

	b.setFat(testBitmapCluster, ClusterEOF)
	b.setFat(testUpcaseCluster, ClusterEOF)
	b.setFat(testRootCluster, ClusterEOF)

	b.markBitmap(testBitmapCluster)
	b.markBitmap(testUpcaseCluster)
	b.markBitmap(testRootCluster)

	return b
}

func (b *testVolumeBuilder) clusterOffset(clusterNumber uint32) int {
	return (testHeapOffsetSectors + int(clusterNumber-firstCluster)) * testSectorSize
}

func (b *testVolumeBuilder) setFatRaw(index uint32, value uint32) {
	putUint32(b.data[testFatOffsetSectors*testSectorSize+4*index:], value)
}

// setFat sets the FAT entry of a heap cluster.
func (b *testVolumeBuilder) setFat(clusterNumber uint32, next uint32) {
	b.setFatRaw(clusterNumber, next)
}

// chain links count clusters starting at start and terminates the chain.
func (b *testVolumeBuilder) chain(start, count uint32) {
	for i := uint32(0); i < count-1; i++ {
		b.setFat(start+i, start+i+1)
	}

	b.setFat(start+count-1, ClusterEOF)
}

// markBitmap sets the cluster's bit in the on-disk allocation bitmap.
func (b *testVolumeBuilder) markBitmap(clusterNumber uint32) {
	bitmapSet(b.data[b.clusterOffset(testBitmapCluster):], clusterNumber)
}

// fileEntrySet builds a checksum-valid (file, stream, name...) set.
func (b *testVolumeBuilder) fileEntrySet(name string, attr FileAttributes, firstClus uint32, size, validSize uint64, contiguous bool) []byte {
	units, err := stringToUtf16(name)
	log.PanicIf(err)

	dentryCount := 2 + (len(units)+entryNameChars-1)/entryNameChars
	set := make([]byte, dentryCount*DentrySize)

	fileDentry := Dentry(set[0:DentrySize])
	fileDentry.SetEntryType(EntryTypeFile)
	fileDentry[1] = uint8(dentryCount - 1)
	putUint16(fileDentry[4:6], uint16(attr))

	streamFlags := uint8(streamFlagAllocPossible)
	if contiguous == true {
		streamFlags |= streamFlagContiguous
	}

	streamDentry := Dentry(set[DentrySize : 2*DentrySize])
	streamDentry.SetEntryType(EntryTypeStream)
	streamDentry.SetStreamFlags(streamFlags)
	streamDentry[3] = uint8(len(units))
	putUint16(streamDentry[4:6], calcNameChecksum(nil, units))
	streamDentry.SetStreamValidSize(validSize)
	streamDentry.SetStreamStartClus(firstClus)
	streamDentry.SetStreamSize(size)

	for i := 2; i < dentryCount; i++ {
		nameDentry := Dentry(set[i*DentrySize : (i+1)*DentrySize])
		nameDentry.SetEntryType(EntryTypeName)

		chunk := units[(i-2)*entryNameChars:]
		if len(chunk) > entryNameChars {
			chunk = chunk[:entryNameChars]
		}

		copy(nameDentry.NameUnicode(), utf16UnitsToBytes(chunk))
	}

	checksum := calcDentryChecksum(fileDentry, 0, true)
	for i := 1; i < dentryCount; i++ {
		checksum = calcDentryChecksum(Dentry(set[i*DentrySize:(i+1)*DentrySize]), checksum, false)
	}

	fileDentry.SetFileChecksum(checksum)

	return set
}

// appendEntries queues raw entries for the directory at the given first
// cluster.
func (b *testVolumeBuilder) appendEntries(dirCluster uint32, entries []byte) {
	b.dirEntries[dirCluster] = append(b.dirEntries[dirCluster], entries...)
}

// addFile registers a chained file in the root directory: entry set, FAT
// chain, and bitmap bits.
func (b *testVolumeBuilder) addFile(name string, firstClus uint32, clusters uint32, size uint64) {
	if clusters > 0 {
		b.chain(firstClus, clusters)

		for i := uint32(0); i < clusters; i++ {
			b.markBitmap(firstClus + i)
		}
	}

	b.appendEntries(testRootCluster, b.fileEntrySet(name, AttrArchive, firstClus, size, size, false))
}

// addContiguousFile registers a no-FAT-chain file in the root directory.
func (b *testVolumeBuilder) addContiguousFile(name string, firstClus uint32, clusters uint32, size uint64) {
	for i := uint32(0); i < clusters; i++ {
		b.markBitmap(firstClus + i)
	}

	b.appendEntries(testRootCluster, b.fileEntrySet(name, AttrArchive, firstClus, size, size, true))
}

// extendRoot grows the root directory to the given number of directly
// following clusters so entry sets can straddle cluster boundaries.
func (b *testVolumeBuilder) extendRoot(clusters uint32) {
	b.chain(testRootCluster, clusters)

	for i := uint32(1); i < clusters; i++ {
		b.markBitmap(testRootCluster + i)
	}
}

// addDirectory registers an empty one-cluster subdirectory in the root
// directory.
func (b *testVolumeBuilder) addDirectory(name string, firstClus uint32) {
	b.setFat(firstClus, ClusterEOF)
	b.markBitmap(firstClus)

	b.appendEntries(testRootCluster,
		b.fileEntrySet(name, AttrSubdir, firstClus, testSectorSize, testSectorSize, false))
}

// systemEntries builds the label, bitmap, and upcase entries every root
// directory leads with.
func (b *testVolumeBuilder) systemEntries() []byte {
	entries := make([]byte, 3*DentrySize)

	labelDentry := Dentry(entries[0:DentrySize])
	labelDentry.SetEntryType(EntryTypeVolume)

	labelUnits, err := stringToUtf16(b.label)
	log.PanicIf(err)

	labelDentry[1] = uint8(len(labelUnits))
	copy(labelDentry.VolLabel(), utf16UnitsToBytes(labelUnits))

	bitmapDentry := Dentry(entries[DentrySize : 2*DentrySize])
	bitmapDentry.SetEntryType(EntryTypeBitmap)
	putUint32(bitmapDentry[20:24], testBitmapCluster)
	putUint64(bitmapDentry[24:32], uint64(bitmapSize(testClusterCount)))

	upcaseRaw := utf16UnitsToBytes(b.upcaseData)

	upcaseDentry := Dentry(entries[2*DentrySize : 3*DentrySize])
	upcaseDentry.SetEntryType(EntryTypeUpcase)
	putUint32(upcaseDentry[4:8], bootCalcChecksum(upcaseRaw, false, 0))
	putUint32(upcaseDentry[20:24], testUpcaseCluster)
	putUint64(upcaseDentry[24:32], uint64(len(upcaseRaw)))

	return entries
}

// writeBootRegions fills the boot sector, derives the region checksum, and
// mirrors the region into the backup slot.
func (b *testVolumeBuilder) writeBootRegions() {
	sector := b.data[0:testSectorSize]

	copy(sector[3:11], requiredFileSystemName)
	putUint64(sector[72:80], uint64(testHeapOffsetSectors+testClusterCount))
	putUint32(sector[80:84], testFatOffsetSectors)
	putUint32(sector[84:88], testFatLengthSectors)
	putUint32(sector[88:92], testHeapOffsetSectors)
	putUint32(sector[92:96], testClusterCount)
	putUint32(sector[96:100], testRootCluster)
	putUint32(sector[100:104], 0x12345678)
	sector[104] = 0 // revision, minor
	sector[105] = 1 // revision, major
	sector[108] = testSectorBits
	sector[109] = 0 // one sector per cluster
	sector[110] = 1 // one FAT
	sector[111] = 0x80
	sector[112] = 0xff
	putUint16(sector[510:512], 0xaa55)

	checksum := uint32(0)
	for i := 0; i < bootRegionSectors-1; i++ {
		checksum = bootCalcChecksum(b.data[i*testSectorSize:(i+1)*testSectorSize], i == 0, checksum)
	}

	checksumSector := b.data[(bootRegionSectors-1)*testSectorSize : bootRegionSectors*testSectorSize]
	for i := 0; i < testSectorSize; i += 4 {
		putUint32(checksumSector[i:], checksum)
	}

	copy(b.data[backupBootSectorIndex*testSectorSize:], b.data[:bootRegionSectors*testSectorSize])
}

// build assembles the image and opens it as an in-memory block device.
func (b *testVolumeBuilder) build() (fs afero.Fs, bd *BlockDevice) {
	rootEntries := append(b.systemEntries(), b.dirEntries[testRootCluster]...)
	b.dirEntries[testRootCluster] = rootEntries

	for dirCluster, entries := range b.dirEntries {
		copy(b.data[b.clusterOffset(dirCluster):], entries)
	}

	copy(b.data[b.clusterOffset(testUpcaseCluster):], utf16UnitsToBytes(b.upcaseData))

	b.writeBootRegions()

	fs = afero.NewMemMapFs()

	err := afero.WriteFile(fs, testVolumeName, b.data, 0644)
	log.PanicIf(err)

	file, err := fs.OpenFile(testVolumeName, os.O_RDWR, 0644)
	log.PanicIf(err)

	bd = NewBlockDeviceWithFile(file, int64(len(b.data)), false)

	return fs, bd
}

// buildReadOnly assembles the image and opens it read-only.
func (b *testVolumeBuilder) buildReadOnly() (fs afero.Fs, bd *BlockDevice) {
	fs, bd = b.build()
	bd.readOnly = true

	return fs, bd
}

// volumeSnapshot returns the current image contents from the filesystem.
func volumeSnapshot(fs afero.Fs) []byte {
	data, err := afero.ReadFile(fs, testVolumeName)
	log.PanicIf(err)

	return data
}
