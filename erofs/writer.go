package erofs

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/cgwalters/composefs-go/tree"
)

// FormatVersion selects the composefs image format to emit.
type FormatVersion int

const (
	// Format10 is the 1.0 composefs image format. Overlay whiteouts
	// must be materialized (tree.FileSystem.AddOverlayWhiteouts)
	// before writing; no character device with rdev 0 may remain in
	// the tree.
	Format10 FormatVersion = 1
)

// Writer capacity failures.
var (
	ErrUnsupportedVersion = xerrors.New("unsupported format version")
	ErrTooManyInodes      = xerrors.New("too many inodes")
	ErrFieldOverflow      = xerrors.New("field overflow")
)

// buildTime is the superblock build time. It is fixed: the image must
// depend on nothing but the tree, and compact inodes (which have no
// mtime field of their own) read this value.
const buildTime = 0

// Mkfs lays out fs as an image and returns the assembled bytes. The
// same tree always produces the same bytes: inode order, xattr pool
// order, directory packing and padding are all functions of the tree
// alone.
func Mkfs(fs *tree.FileSystem, version FormatVersion) ([]byte, error) {
	if version != Format10 {
		return nil, xerrors.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}
	w := &imageWriter{
		byLeaf: make(map[*tree.Leaf]*inodeItem),
		xattrs: make(map[xattrKV]*xattrInfo),
		nlink:  fs.LinkCounts(),
	}
	w.collectDir(fs.Root, nil)
	if err := w.finish(); err != nil {
		return nil, err
	}
	return w.emit()
}

// xattrKV is one (name, value) attribute record; identical records
// are interned across all inodes.
type xattrKV struct {
	name  string
	value string
}

type xattrInfo struct {
	kv     xattrKV
	suffix string
	index  uint8
	uses   int
	shared bool
	id     uint32 // shared pool index, valid once shared
	size   int    // on-disk record size, 4-aligned
}

// dirent is a directory entry bound to its target before nids exist.
type dirent struct {
	name   string
	ftype  uint8
	target *inodeItem
}

type inodeItem struct {
	ino   uint32
	mode  uint16
	uid   uint32
	gid   uint32
	mtime int64
	nlink uint32
	size  uint64
	rdev  uint64

	dataLayout uint16
	compact    bool
	xattrs     []*xattrInfo // sorted by attribute name

	// Regular/symlink bodies; dir content is rebuilt from dirents.
	data     []byte
	dirents  []dirent
	isDir    bool
	external bool
	device   bool

	chunkFormat uint16
	chunkCount  int

	// Layout results.
	off        int64
	nid        uint64
	diskSize   int // header + xattr ibody + chunk indexes
	tailLen    int
	fullBlocks int
	blkAddr    uint32
	dirBlocks  []dirRange
}

// dirRange is one packed directory block: dirents[start:end] plus the
// byte size of its entries and names.
type dirRange struct {
	start, end int
	size       int
}

type imageWriter struct {
	inodes     []*inodeItem
	byLeaf     map[*tree.Leaf]*inodeItem
	xattrs     map[xattrKV]*xattrInfo
	xattrOrder []*xattrInfo
	nlink      map[*tree.Leaf]int
	sharedList []*xattrInfo
	sharedOff  int64
	total      int64
}

func subdirCount(d *tree.Directory) int {
	n := 0
	for _, e := range d.Entries() {
		if _, ok := e.Inode.(*tree.Directory); ok {
			n++
		}
	}
	return n
}

// collectDir visits d and its children depth-first, children in
// sorted name order, appending one item per inode in visit order.
// Shared leaves are visited once; later references reuse the item.
func (w *imageWriter) collectDir(d *tree.Directory, parent *inodeItem) *inodeItem {
	it := &inodeItem{
		ino:   uint32(len(w.inodes) + 1),
		mode:  uint16(unix.S_IFDIR | d.Stat.Mode&0o7777),
		uid:   d.Stat.UID,
		gid:   d.Stat.GID,
		mtime: d.Stat.Mtime,
		nlink: uint32(2 + subdirCount(d)),
		isDir: true,
	}
	w.inodes = append(w.inodes, it)
	w.internXattrs(it, d.Stat.Xattrs, nil)

	if parent == nil {
		parent = it
	}
	it.dirents = append(it.dirents,
		dirent{name: ".", ftype: FtDir, target: it},
		dirent{name: "..", ftype: FtDir, target: parent})
	for _, e := range d.Entries() {
		switch n := e.Inode.(type) {
		case *tree.Directory:
			child := w.collectDir(n, it)
			it.dirents = append(it.dirents, dirent{name: e.Name, ftype: FtDir, target: child})
		case *tree.Leaf:
			child, ok := w.byLeaf[n]
			if !ok {
				child = w.collectLeaf(n)
				w.byLeaf[n] = child
			}
			it.dirents = append(it.dirents, dirent{name: e.Name, ftype: leafFtype(n), target: child})
		}
	}
	sort.Slice(it.dirents, func(i, j int) bool {
		return it.dirents[i].name < it.dirents[j].name
	})
	return it
}

func leafFtype(l *tree.Leaf) uint8 {
	switch l.Content.Kind {
	case tree.Inline, tree.External:
		return FtRegFile
	case tree.Symlink:
		return FtSymlink
	case tree.Fifo:
		return FtFifo
	case tree.CharDevice:
		return FtChrdev
	case tree.BlockDevice:
		return FtBlkdev
	}
	return FtUnknown
}

func (w *imageWriter) collectLeaf(l *tree.Leaf) *inodeItem {
	it := &inodeItem{
		ino:   uint32(len(w.inodes) + 1),
		mode:  uint16(l.Content.FileType() | l.Stat.Mode&0o7777),
		uid:   l.Stat.UID,
		gid:   l.Stat.GID,
		mtime: l.Stat.Mtime,
		nlink: uint32(w.nlink[l]),
		size:  l.Content.RegularSize(),
	}
	w.inodes = append(w.inodes, it)

	var synthesized map[string][]byte
	switch l.Content.Kind {
	case tree.Inline, tree.Symlink:
		it.data = l.Content.Data
	case tree.External:
		// The image carries no bytes for external files, only the
		// overlay metadata that redirects readers at the content
		// store object.
		it.external = true
		synthesized = map[string][]byte{
			"trusted.overlay.metacopy": metacopyValue(l),
			"trusted.overlay.redirect": []byte("/" + l.Content.Digest.ObjectPathname()),
		}
	case tree.CharDevice, tree.BlockDevice:
		it.device = true
		it.rdev = l.Content.Rdev
	}
	w.internXattrs(it, l.Stat.Xattrs, synthesized)
	return it
}

// metacopyValue encodes the overlayfs metacopy attribute: a 4-byte
// header (version, length, flags, digest algorithm) followed by the
// content digest.
func metacopyValue(l *tree.Leaf) []byte {
	v := make([]byte, 4+len(l.Content.Digest))
	v[1] = byte(len(v))
	v[3] = 1 // SHA-256
	copy(v[4:], l.Content.Digest[:])
	return v
}

// internXattrs resolves the inode's attribute set (caller attributes
// plus synthesized ones, caller wins on collision) against the global
// record pool, keeping the per-inode list in sorted name order.
func (w *imageWriter) internXattrs(it *inodeItem, stat, synthesized map[string][]byte) {
	names := make([]string, 0, len(stat)+len(synthesized))
	for name := range stat {
		names = append(names, name)
	}
	for name := range synthesized {
		if _, ok := stat[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		value, ok := stat[name]
		if !ok {
			value = synthesized[name]
		}
		kv := xattrKV{name: name, value: string(value)}
		info, ok := w.xattrs[kv]
		if !ok {
			index, suffix := splitXattrName(name)
			info = &xattrInfo{
				kv:     kv,
				suffix: suffix,
				index:  index,
				size:   xattrEntrySize(len(suffix), len(value)),
			}
			w.xattrs[kv] = info
			w.xattrOrder = append(w.xattrOrder, info)
		}
		info.uses++
		it.xattrs = append(it.xattrs, info)
	}
}

// finish runs the planning passes: shared xattr selection, per-inode
// encoding and data layout, then every offset in the image.
func (w *imageWriter) finish() error {
	if len(w.inodes) > math.MaxUint32 {
		return xerrors.Errorf("%d inodes: %w", len(w.inodes), ErrTooManyInodes)
	}

	// A record referenced by more than one inode moves to the shared
	// pool, numbered in first-seen order over the inode traversal.
	for _, x := range w.xattrOrder {
		if x.uses >= 2 {
			x.shared = true
			w.sharedList = append(w.sharedList, x)
		}
	}

	for _, it := range w.inodes {
		if err := w.planInode(it); err != nil {
			return err
		}
	}
	return w.planOffsets()
}

func (w *imageWriter) planInode(it *inodeItem) error {
	for _, x := range it.xattrs {
		if len(x.suffix) > math.MaxUint8 || len(x.kv.value) > math.MaxUint16 {
			return xerrors.Errorf("xattr %q: %w", x.kv.name, ErrFieldOverflow)
		}
	}

	switch {
	case it.isDir:
		if err := it.packDirents(); err != nil {
			return err
		}
	case it.external:
		format, count, err := chunkLayout(it.size)
		if err != nil {
			return err
		}
		it.chunkFormat, it.chunkCount = format, count
	case len(it.data) > 0:
		// Inline regular files and symlinks: the trailing partial
		// block is a candidate for tail packing.
		it.tailLen = int(it.size % BlockSize)
		it.fullBlocks = int(it.size / BlockSize)
	}
	return w.planLayout(it)
}

// chunkLayout picks the chunk size for an external file: the smallest
// power of two covering the whole file (at least one block), so a
// nonzero-size file indexes exactly one absent chunk.
func chunkLayout(size uint64) (uint16, int, error) {
	bits := uint64(BlockBits)
	for size > 1<<bits {
		bits++
		if bits-BlockBits > ChunkFormatBlkbitsMask {
			return 0, 0, xerrors.Errorf("external file of %d bytes: %w", size, ErrFieldOverflow)
		}
	}
	count := 0
	if size > 0 {
		count = 1
	}
	return uint16(ChunkFormatIndexes | (bits - BlockBits)), count, nil
}

// packDirents packs the sorted entries into blocks: an entry that
// would overflow the current block starts a new one; an entry that
// exactly fills it stays.
func (it *inodeItem) packDirents() error {
	start, size := 0, 0
	for i, de := range it.dirents {
		if len(de.name) > MaxNameLen {
			return xerrors.Errorf("name %q: %w", de.name, ErrFieldOverflow)
		}
		esz := DirentSize + len(de.name)
		if size+esz > BlockSize {
			it.dirBlocks = append(it.dirBlocks, dirRange{start: start, end: i, size: size})
			start, size = i, 0
		}
		size += esz
	}
	it.dirBlocks = append(it.dirBlocks, dirRange{start: start, end: len(it.dirents), size: size})

	last := it.dirBlocks[len(it.dirBlocks)-1]
	it.size = uint64(BlockSize*(len(it.dirBlocks)-1) + last.size)
	it.fullBlocks = len(it.dirBlocks) - 1
	it.tailLen = last.size
	if it.tailLen == BlockSize {
		it.fullBlocks++
		it.tailLen = 0
	}
	return nil
}

func (w *imageWriter) planLayout(it *inodeItem) error {
	// The compact encoding has no mtime field (readers substitute the
	// superblock build time) and no room for wide ids; device nodes
	// keep their rdev in the extended union.
	it.compact = !it.device &&
		it.uid <= math.MaxUint16 && it.gid <= math.MaxUint16 &&
		it.nlink <= math.MaxUint16 && it.size <= math.MaxUint32 &&
		it.mtime == buildTime
	headerSize := InodeExtendedSize
	if it.compact {
		headerSize = InodeCompactSize
	}

	it.diskSize = headerSize + it.xattrIbodySize()
	if it.chunkCount > 0 {
		// Chunk indexes start 8-aligned relative to the inode base.
		it.diskSize = int(alignTo(int64(it.diskSize), ChunkIndexSize)) + it.chunkCount*ChunkIndexSize
	}

	// A tail that cannot share a block with the inode record goes to
	// the data area instead, as full(-ish) blocks.
	if it.tailLen > 0 && it.diskSize+it.tailLen > BlockSize {
		it.fullBlocks++
		it.tailLen = 0
	}

	switch {
	case it.external:
		it.dataLayout = DataLayoutChunkBased
	case it.tailLen > 0:
		it.dataLayout = DataLayoutFlatInline
	default:
		it.dataLayout = DataLayoutFlatPlain
	}

	if icount := it.xattrIcount(); icount > math.MaxUint16 {
		return xerrors.Errorf("xattr area of %d words: %w", icount, ErrFieldOverflow)
	}
	return nil
}

func (it *inodeItem) xattrIbodySize() int {
	if len(it.xattrs) == 0 {
		return 0
	}
	size := XattrIbodyHeaderSize
	for _, x := range it.xattrs {
		if x.shared {
			size += 4
		} else {
			size += x.size
		}
	}
	return size
}

func (it *inodeItem) xattrIcount() int {
	size := it.xattrIbodySize()
	if size == 0 {
		return 0
	}
	return 1 + (size-XattrIbodyHeaderSize)/4
}

func alignTo(off int64, align int64) int64 {
	return (off + align - 1) &^ (align - 1)
}

func (w *imageWriter) planOffsets() error {
	off := int64(SuperOffset + SuperBlockSize)
	for _, it := range w.inodes {
		off = alignTo(off, InodeSlotSize)
		record := int64(it.diskSize + it.tailLen)
		// Tail data may not cross a block boundary; move the whole
		// record to the next block when it would.
		if it.tailLen > 0 && off%BlockSize+record > BlockSize {
			off = alignTo(off, BlockSize)
		}
		it.off = off
		it.nid = uint64(off) >> InodeSlotBits
		off += record
	}

	off = alignTo(off, 4)
	w.sharedOff = off
	for _, x := range w.sharedList {
		x.id = uint32(off / 4)
		off += int64(x.size)
	}

	off = alignTo(off, BlockSize)
	for _, it := range w.inodes {
		if it.fullBlocks == 0 {
			continue
		}
		blk := off / BlockSize
		if blk > NullAddr {
			return xerrors.Errorf("data block address %d: %w", blk, ErrFieldOverflow)
		}
		it.blkAddr = uint32(blk)
		off += int64(it.fullBlocks) * BlockSize
	}
	w.total = alignTo(off, BlockSize)
	return nil
}

func (it *inodeItem) union() (uint32, error) {
	switch {
	case it.external:
		return uint32(it.chunkFormat), nil
	case it.device:
		if it.rdev > math.MaxUint32 {
			return 0, xerrors.Errorf("rdev %d: %w", it.rdev, ErrFieldOverflow)
		}
		return uint32(it.rdev), nil
	case it.fullBlocks > 0:
		return it.blkAddr, nil
	}
	return 0, nil
}

func (w *imageWriter) emit() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, w.total))

	binary.Write(buf, binary.LittleEndian, &ComposefsHeader{
		Magic:            ComposefsMagic,
		Version:          ComposefsHeaderVersion,
		ComposefsVersion: uint32(Format10),
	})
	pad(buf, SuperOffset)

	rootNid := w.inodes[0].nid
	if rootNid > math.MaxUint16 {
		return nil, xerrors.Errorf("root nid %d: %w", rootNid, ErrTooManyInodes)
	}
	binary.Write(buf, binary.LittleEndian, &SuperBlock{
		Magic:          SuperMagic,
		FeatureCompat:  FeatureCompatSBChksum | FeatureCompatMtime,
		BlockSizeBits:  BlockBits,
		RootNid:        uint16(rootNid),
		Inos:           uint64(len(w.inodes)),
		BuildTime:      buildTime,
		Blocks:         uint32(w.total / BlockSize),
		MetaBlockAddr:  0,
		XattrBlockAddr: 0,
	})

	for _, it := range w.inodes {
		pad(buf, it.off)
		if err := w.emitInode(buf, it); err != nil {
			return nil, err
		}
	}

	pad(buf, w.sharedOff)
	for _, x := range w.sharedList {
		emitXattrEntry(buf, x)
	}

	pad(buf, alignTo(int64(buf.Len()), BlockSize))
	for _, it := range w.inodes {
		if it.fullBlocks == 0 {
			continue
		}
		pad(buf, int64(it.blkAddr)*BlockSize)
		w.emitDataBlocks(buf, it)
	}
	pad(buf, w.total)

	image := buf.Bytes()
	checksum := superblockChecksum(image[:BlockSize])
	binary.LittleEndian.PutUint32(image[SuperOffset+4:], checksum)
	return image, nil
}

func pad(buf *bytes.Buffer, off int64) {
	for int64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}

func (w *imageWriter) emitInode(buf *bytes.Buffer, it *inodeItem) error {
	u, err := it.union()
	if err != nil {
		return err
	}
	format := inodeFormat(InodeLayoutExtended, it.dataLayout)
	if it.compact {
		format = inodeFormat(InodeLayoutCompact, it.dataLayout)
		binary.Write(buf, binary.LittleEndian, &InodeCompact{
			Format:     format,
			XattrCount: uint16(it.xattrIcount()),
			Mode:       it.mode,
			Nlink:      uint16(it.nlink),
			Size:       uint32(it.size),
			Union:      u,
			Ino:        it.ino,
			UID:        uint16(it.uid),
			GID:        uint16(it.gid),
		})
	} else {
		binary.Write(buf, binary.LittleEndian, &InodeExtended{
			Format:     format,
			XattrCount: uint16(it.xattrIcount()),
			Mode:       it.mode,
			Size:       it.size,
			Union:      u,
			Ino:        it.ino,
			UID:        it.uid,
			GID:        it.gid,
			Mtime:      uint64(it.mtime),
			Nlink:      it.nlink,
		})
	}

	if len(it.xattrs) > 0 {
		shared := 0
		for _, x := range it.xattrs {
			if x.shared {
				shared++
			}
		}
		binary.Write(buf, binary.LittleEndian, &XattrIbodyHeader{
			SharedCount: uint8(shared),
		})
		for _, x := range it.xattrs {
			if x.shared {
				binary.Write(buf, binary.LittleEndian, x.id)
			}
		}
		for _, x := range it.xattrs {
			if !x.shared {
				emitXattrEntry(buf, x)
			}
		}
	}

	if it.chunkCount > 0 {
		pad(buf, alignTo(int64(buf.Len()), ChunkIndexSize))
		for i := 0; i < it.chunkCount; i++ {
			binary.Write(buf, binary.LittleEndian, &ChunkIndex{
				BlkAddr: NullAddr,
			})
		}
	}

	if it.tailLen > 0 {
		if it.isDir {
			it.emitDirBlock(buf, it.dirBlocks[len(it.dirBlocks)-1])
		} else {
			buf.Write(it.data[it.size-uint64(it.tailLen):])
		}
	}
	return nil
}

func emitXattrEntry(buf *bytes.Buffer, x *xattrInfo) {
	binary.Write(buf, binary.LittleEndian, &XattrEntry{
		NameLen:   uint8(len(x.suffix)),
		NameIndex: x.index,
		ValueSize: uint16(len(x.kv.value)),
	})
	buf.WriteString(x.suffix)
	buf.WriteString(x.kv.value)
	pad(buf, alignTo(int64(buf.Len()), 4))
}

func (w *imageWriter) emitDataBlocks(buf *bytes.Buffer, it *inodeItem) {
	if it.isDir {
		for i := 0; i < it.fullBlocks; i++ {
			start := int64(buf.Len())
			it.emitDirBlock(buf, it.dirBlocks[i])
			pad(buf, start+BlockSize)
		}
		return
	}
	// Regular file with block-resident data: everything except the
	// tail (which may be empty when the tail was pushed here).
	n := it.size - uint64(it.tailLen)
	start := int64(buf.Len())
	buf.Write(it.data[:n])
	pad(buf, alignTo(start+int64(n), BlockSize))
}

// emitDirBlock writes one directory block: the entry table first,
// then the names; full blocks are padded by the caller.
func (it *inodeItem) emitDirBlock(buf *bytes.Buffer, r dirRange) {
	entries := it.dirents[r.start:r.end]
	nameOff := uint16(len(entries) * DirentSize)
	for _, de := range entries {
		binary.Write(buf, binary.LittleEndian, &Dirent{
			Nid:      de.target.nid,
			NameOff:  nameOff,
			FileType: de.ftype,
		})
		nameOff += uint16(len(de.name))
	}
	for _, de := range entries {
		buf.WriteString(de.name)
	}
}
