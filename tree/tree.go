// Package tree holds the in-memory filesystem description consumed by
// the dumpfile codec and the image writer.
//
// Directories exclusively own their child directories. Leaves are
// shared: multiple directory entries may point at the same *Leaf, and
// that pointer identity is what makes them hardlinks — the link count
// of a leaf is the number of entries referencing it. Equality of
// content does not group leaves; only identity does.
package tree

import (
	"sort"

	"golang.org/x/sys/unix"

	"github.com/cgwalters/composefs-go/fsverity"
)

// Stat carries the attributes common to all inodes. Only the low 12
// bits of Mode are meaningful; the file type is derived from the leaf
// content (or from being a directory).
type Stat struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Mtime int64 // whole seconds

	// Xattrs maps attribute names to values. Keys must be non-empty.
	// Iteration must go through XattrKeys so that no layout decision
	// ever depends on map order.
	Xattrs map[string][]byte
}

// SetXattr inserts or overwrites an extended attribute.
func (s *Stat) SetXattr(key string, value []byte) {
	if s.Xattrs == nil {
		s.Xattrs = make(map[string][]byte)
	}
	s.Xattrs[key] = value
}

// XattrKeys returns the attribute names in sorted order.
func (s *Stat) XattrKeys() []string {
	keys := make([]string, 0, len(s.Xattrs))
	for k := range s.Xattrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContentKind discriminates the LeafContent variants.
type ContentKind int

const (
	// Inline is a regular file whose bytes live in the image.
	Inline ContentKind = iota
	// External is a regular file identified by digest and size; its
	// bytes live in the content store, not in the image.
	External
	Symlink
	Fifo
	CharDevice
	BlockDevice
)

// LeafContent is a tagged value: Kind selects which of the remaining
// fields are meaningful.
type LeafContent struct {
	Kind ContentKind

	// Data holds the file bytes (Inline) or the target (Symlink).
	Data []byte

	// Digest and Size describe an External file.
	Digest fsverity.Digest
	Size   uint64

	// Rdev is the device number for CharDevice and BlockDevice.
	Rdev uint64
}

// InlineContent returns regular file content stored in the image.
func InlineContent(data []byte) LeafContent {
	return LeafContent{Kind: Inline, Data: data}
}

// ExternalContent returns regular file content backed by the content
// store.
func ExternalContent(digest fsverity.Digest, size uint64) LeafContent {
	return LeafContent{Kind: External, Digest: digest, Size: size}
}

// SymlinkContent returns symlink content with the given target.
func SymlinkContent(target []byte) LeafContent {
	return LeafContent{Kind: Symlink, Data: target}
}

// FifoContent returns named pipe content.
func FifoContent() LeafContent {
	return LeafContent{Kind: Fifo}
}

// CharDeviceContent returns character device content. Rdev 0 stands
// for an overlay whiteout and must be translated by
// FileSystem.AddOverlayWhiteouts before the image writer runs.
func CharDeviceContent(rdev uint64) LeafContent {
	return LeafContent{Kind: CharDevice, Rdev: rdev}
}

// BlockDeviceContent returns block device content.
func BlockDeviceContent(rdev uint64) LeafContent {
	return LeafContent{Kind: BlockDevice, Rdev: rdev}
}

// FileType returns the S_IFMT bits implied by the content kind.
func (c LeafContent) FileType() uint32 {
	switch c.Kind {
	case Inline, External:
		return unix.S_IFREG
	case Symlink:
		return unix.S_IFLNK
	case Fifo:
		return unix.S_IFIFO
	case CharDevice:
		return unix.S_IFCHR
	case BlockDevice:
		return unix.S_IFBLK
	}
	return 0
}

// RegularSize returns the byte size of the content as it appears in
// the inode: inline length, external size, symlink target length, 0
// for the rest.
func (c LeafContent) RegularSize() uint64 {
	switch c.Kind {
	case Inline, Symlink:
		return uint64(len(c.Data))
	case External:
		return c.Size
	}
	return 0
}

// Leaf is a non-directory filesystem object. Leaves are immutable once
// the writer begins; the overlay whiteout transform is the only
// sanctioned mutator after construction.
type Leaf struct {
	Content LeafContent
	Stat    Stat
}

func (*Leaf) isInode() {}

// Inode is either a *Directory or a *Leaf.
type Inode interface {
	isInode()
}

// Entry is a named child of a directory.
type Entry struct {
	Name  string
	Inode Inode
}

// Directory holds its own attributes and an ordered set of children.
// The on-disk order is always sorted by name bytes regardless of
// insertion order, so the entries are kept sorted at all times.
type Directory struct {
	Stat    Stat
	entries []Entry
}

func (*Directory) isInode() {}

// NewDirectory returns an empty directory with the given attributes.
func NewDirectory(stat Stat) *Directory {
	return &Directory{Stat: stat}
}

// Insert adds a child, replacing any prior entry with the same name.
// Names are treated as opaque bytes here; the dumpfile parser and
// higher-level constructors reject empty, "." and ".." names.
func (d *Directory) Insert(name string, inode Inode) {
	i := sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].Name >= name
	})
	if i < len(d.entries) && d.entries[i].Name == name {
		d.entries[i].Inode = inode
		return
	}
	d.entries = append(d.entries, Entry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = Entry{Name: name, Inode: inode}
}

// Lookup returns the child with the given name.
func (d *Directory) Lookup(name string) (Inode, bool) {
	i := sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].Name >= name
	})
	if i < len(d.entries) && d.entries[i].Name == name {
		return d.entries[i].Inode, true
	}
	return nil, false
}

// Entries returns the children in sorted name order. The returned
// slice is owned by the directory and must not be modified.
func (d *Directory) Entries() []Entry {
	return d.entries
}

// Len returns the number of children.
func (d *Directory) Len() int {
	return len(d.entries)
}

// ValidName reports whether name is acceptable as a directory entry
// name: non-empty, not "." or "..", no NUL or '/' bytes.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return false
		}
	}
	return true
}

// FileSystem is a complete tree rooted at a directory.
type FileSystem struct {
	Root *Directory
}

// NewFileSystem returns a filesystem with an empty root carrying the
// given attributes.
func NewFileSystem(rootStat Stat) *FileSystem {
	return &FileSystem{Root: NewDirectory(rootStat)}
}

// LinkCounts returns, for every leaf in the tree, the number of
// directory entries referencing it.
func (fs *FileSystem) LinkCounts() map[*Leaf]int {
	counts := make(map[*Leaf]int)
	var walk func(d *Directory)
	walk = func(d *Directory) {
		for _, e := range d.entries {
			switch n := e.Inode.(type) {
			case *Directory:
				walk(n)
			case *Leaf:
				counts[n]++
			}
		}
	}
	walk(fs.Root)
	return counts
}
