package exfatfsck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustUtf16(t *testing.T, s string) []uint16 {
	units, err := stringToUtf16(s)
	require.NoError(t, err)

	return units
}

func TestResolvePath(t *testing.T) {
	root := NewInode(AttrSubdir)

	child := NewInode(AttrSubdir)
	child.Name = mustUtf16(t, "music")
	root.AttachChild(child)

	grandchild := NewInode(AttrSubdir)
	grandchild.Name = mustUtf16(t, "jazz")
	child.AttachChild(grandchild)

	require.Equal(t, "/", resolvePath(root))
	require.Equal(t, "/music", resolvePath(child))
	require.Equal(t, "/music/jazz", resolvePath(grandchild))

	file := NewInode(0)
	file.Name = mustUtf16(t, "take5.flac")

	require.Equal(t, "/music/jazz/take5.flac", resolvePathParent(grandchild, file))
}

func TestReleaseAncestors(t *testing.T) {
	root := NewInode(AttrSubdir)

	a := NewInode(AttrSubdir)
	a.Name = mustUtf16(t, "a")
	root.AttachChild(a)

	b := NewInode(AttrSubdir)
	b.Name = mustUtf16(t, "b")
	a.AttachChild(b)

	c := NewInode(AttrSubdir)
	c.Name = mustUtf16(t, "c")
	a.AttachChild(c)

	// Releasing a leaf with a still-populated parent stops at the parent.
	releaseAncestors(b)

	require.Len(t, a.Children, 1)
	require.Len(t, root.Children, 1)

	// Releasing the last child unwinds through every exhausted ancestor.
	releaseAncestors(c)

	require.Len(t, root.Children, 0)
}

func TestDetachChild(t *testing.T) {
	parent := NewInode(AttrSubdir)

	child := NewInode(AttrSubdir)
	parent.AttachChild(child)

	require.Equal(t, parent, child.Parent)

	child.detachFromParent()

	require.Nil(t, child.Parent)
	require.Len(t, parent.Children, 0)
}
