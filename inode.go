// In-memory inodes. File inodes are transient: they exist only long enough
// to carry cluster-chain validation. Directory inodes live on a pending
// work list until their own contents have been walked, then are released
// bottom-up as they run out of living children, so the resident set is
// bounded by tree depth rather than file count.

package exfatfsck

import (
	"strings"
)

// Inode represents one directory or file under check.
type Inode struct {
	// Parent is a non-owning back-reference; nil for the root.
	Parent *Inode

	// Children holds the subdirectories still being (or waiting to be)
	// walked. Files never appear here.
	Children []*Inode

	FirstClus uint32
	Attr      FileAttributes
	Size      uint64

	// IsContiguous mirrors the stream entry's no-FAT-chain flag.
	IsContiguous bool

	// Name is the UTF-16 file name, retained for path reporting.
	Name []uint16
}

// NewInode allocates an inode with the given attributes.
func NewInode(attr FileAttributes) *Inode {
	return &Inode{
		Attr: attr,
	}
}

// IsDirectory indicates a subdirectory inode.
func (node *Inode) IsDirectory() bool {
	return node.Attr.IsDirectory()
}

// AttachChild links a subdirectory into its parent.
func (node *Inode) AttachChild(child *Inode) {
	child.Parent = node
	node.Children = append(node.Children, child)
}

// detachFromParent removes the inode from its parent's child list.
func (node *Inode) detachFromParent() {
	parent := node.Parent
	if parent == nil {
		return
	}

	for i, child := range parent.Children {
		if child == node {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}

	node.Parent = nil
}

// releaseAncestors drops the directory, and then each ancestor in turn,
// for as long as they have no remaining children. A directory with living
// children stays resident because its path is still needed for reporting.
func releaseAncestors(node *Inode) {
	for node != nil && len(node.Children) == 0 {
		parent := node.Parent
		node.detachFromParent()
		node = parent
	}
}

// resolvePath renders the inode's absolute path for fault messages.
func resolvePath(node *Inode) string {
	if node == nil {
		return "/"
	}

	parts := make([]string, 0)
	for current := node; current != nil; current = current.Parent {
		if current.Parent == nil {
			// The root has no name entry.
			break
		}

		name, err := utf16ToString(current.Name)
		if err != nil {
			name = "?"
		}

		parts = append(parts, name)
	}

	if len(parts) == 0 {
		return "/"
	}

	// Reverse into root-first order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	return "/" + strings.Join(parts, "/")
}

// resolvePathParent renders the path of a child that is not (or not yet)
// linked into the tree.
func resolvePathParent(parent, child *Inode) string {
	childName, err := utf16ToString(child.Name)
	if err != nil || childName == "" {
		childName = "?"
	}

	parentPath := resolvePath(parent)
	if parentPath == "/" {
		return "/" + childName
	}

	return parentPath + "/" + childName
}
