// Little-endian scalar accessors and the cluster bitmaps.
//
// All on-disk integers are little-endian. The two bitmaps (the in-memory
// allocation bitmap built during the walk and the byte-for-byte copy of the
// on-disk allocation bitmap) are byte arrays with one bit per cluster,
// where bit 0 corresponds to cluster 2, the first cluster of the heap.

package exfatfsck

import (
	"encoding/binary"
)

var (
	defaultEncoding = binary.LittleEndian
)

func getUint16(b []byte) uint16 {
	return defaultEncoding.Uint16(b)
}

func getUint32(b []byte) uint32 {
	return defaultEncoding.Uint32(b)
}

func getUint64(b []byte) uint64 {
	return defaultEncoding.Uint64(b)
}

func putUint16(b []byte, value uint16) {
	defaultEncoding.PutUint16(b, value)
}

func putUint32(b []byte, value uint32) {
	defaultEncoding.PutUint32(b, value)
}

func putUint64(b []byte, value uint64) {
	defaultEncoding.PutUint64(b, value)
}

// bitmapGet reports whether the bit for the given heap cluster is set.
func bitmapGet(bitmap []byte, clusterNumber uint32) bool {
	c := clusterNumber - firstCluster
	return bitmap[c/8]&(1<<(c%8)) != 0
}

// bitmapSet sets the bit for the given heap cluster.
func bitmapSet(bitmap []byte, clusterNumber uint32) {
	c := clusterNumber - firstCluster
	bitmap[c/8] |= 1 << (c % 8)
}

// bitmapClear clears the bit for the given heap cluster.
func bitmapClear(bitmap []byte, clusterNumber uint32) {
	c := clusterNumber - firstCluster
	bitmap[c/8] &^= 1 << (c % 8)
}

// bitmapSize returns the byte length of a bitmap covering the given number
// of clusters.
func bitmapSize(clusterCount uint32) uint32 {
	return divRoundUp(clusterCount, 8)
}

func divRoundUp(n, d uint32) uint32 {
	return (n + d - 1) / d
}

func divRoundUp64(n, d uint64) uint64 {
	return (n + d - 1) / d
}
