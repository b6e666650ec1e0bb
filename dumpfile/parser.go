package dumpfile

import (
	"bufio"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/cgwalters/composefs-go/fsverity"
	"github.com/cgwalters/composefs-go/tree"
)

// Parsing failure kinds.
var (
	ErrMalformedLine   = xerrors.New("malformed dumpfile line")
	ErrUnknownEscape   = xerrors.New("unknown escape sequence")
	ErrDuplicateName   = xerrors.New("duplicate name")
	ErrUnsupportedType = xerrors.New("unsupported file type")
)

// Parse reads dumpfile text and reconstructs the tree. It accepts any
// line ordering the reference builder can produce: missing parent
// directories are created with default attributes (mode 0755, root
// ownership) and updated when their own line arrives. It is strict
// about everything else — bad escapes, bad numbers, bad names, and
// repeated paths are errors rather than silently dropped lines.
func Parse(text string) (*tree.FileSystem, error) {
	p := &parser{
		fs:       tree.NewFileSystem(tree.Stat{Mode: 0o755}),
		explicit: make(map[*tree.Directory]bool),
	}
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(nil, 1<<20)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := p.line(line); err != nil {
			return nil, xerrors.Errorf("line %d: %w", lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("reading dumpfile: %w", err)
	}
	return p.fs, nil
}

type parser struct {
	fs *tree.FileSystem
	// explicit records directories that had their own dumpfile line,
	// as opposed to placeholders implied by a descendant's path.
	explicit map[*tree.Directory]bool
}

func (p *parser) line(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 11 {
		return xerrors.Errorf("got %d fields, want at least 11: %w", len(fields), ErrMalformedLine)
	}

	rawPath, err := unescape(fields[0])
	if err != nil {
		return err
	}
	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return xerrors.Errorf("size %q: %w", fields[1], ErrMalformedLine)
	}
	mode64, err := strconv.ParseUint(fields[2], 8, 32)
	if err != nil {
		return xerrors.Errorf("mode %q: %w", fields[2], ErrMalformedLine)
	}
	mode := uint32(mode64)
	// The nlink column is informational: link grouping cannot be
	// reconstructed from paths, so the value is validated as a number
	// and otherwise ignored.
	if _, err := strconv.ParseUint(fields[3], 10, 32); err != nil {
		return xerrors.Errorf("nlink %q: %w", fields[3], ErrMalformedLine)
	}
	uid, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return xerrors.Errorf("uid %q: %w", fields[4], ErrMalformedLine)
	}
	gid, err := strconv.ParseUint(fields[5], 10, 32)
	if err != nil {
		return xerrors.Errorf("gid %q: %w", fields[5], ErrMalformedLine)
	}
	rdev, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return xerrors.Errorf("rdev %q: %w", fields[6], ErrMalformedLine)
	}
	mtime, err := parseMtime(fields[7])
	if err != nil {
		return err
	}
	payload, err := unescapeOptional(fields[8])
	if err != nil {
		return err
	}
	content, err := unescapeOptional(fields[9])
	if err != nil {
		return err
	}
	digest, err := unescapeOptional(fields[10])
	if err != nil {
		return err
	}

	st := tree.Stat{
		Mode:  mode & 0o7777,
		UID:   uint32(uid),
		GID:   uint32(gid),
		Mtime: mtime,
	}
	for _, tok := range fields[11:] {
		if err := parseXattr(&st, tok); err != nil {
			return err
		}
	}

	dirpath, name, err := splitPath(rawPath)
	if err != nil {
		return err
	}

	if mode&unix.S_IFMT == unix.S_IFDIR {
		return p.addDirectory(dirpath, name, st)
	}
	if name == "" {
		return xerrors.Errorf("root must be a directory: %w", ErrMalformedLine)
	}
	leaf, err := makeLeaf(mode, size, rdev, payload, content, digest, st)
	if err != nil {
		return err
	}
	parent, err := p.ensureDir(dirpath)
	if err != nil {
		return err
	}
	if _, ok := parent.Lookup(name); ok {
		return xerrors.Errorf("%q: %w", name, ErrDuplicateName)
	}
	parent.Insert(name, leaf)
	return nil
}

// parseMtime reads the seconds column. A fractional part is accepted
// for compatibility with the reference output but discarded: the tree
// model keeps whole seconds only.
func parseMtime(field string) (int64, error) {
	sec := field
	if i := strings.IndexByte(field, '.'); i >= 0 {
		sec = field[:i]
		if _, err := strconv.ParseUint(field[i+1:], 10, 32); err != nil {
			return 0, xerrors.Errorf("mtime %q: %w", field, ErrMalformedLine)
		}
	}
	v, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("mtime %q: %w", field, ErrMalformedLine)
	}
	return v, nil
}

func parseXattr(st *tree.Stat, tok string) error {
	// '=' is escaped inside keys and values, so the first literal one
	// is the separator.
	i := strings.IndexByte(tok, '=')
	if i < 0 {
		return xerrors.Errorf("xattr token %q has no '=': %w", tok, ErrMalformedLine)
	}
	key, err := unescape(tok[:i])
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return xerrors.Errorf("empty xattr key: %w", ErrMalformedLine)
	}
	value, err := unescape(tok[i+1:])
	if err != nil {
		return err
	}
	if st.Xattrs != nil {
		if _, ok := st.Xattrs[string(key)]; ok {
			return xerrors.Errorf("xattr %q repeated: %w", key, ErrMalformedLine)
		}
	}
	st.SetXattr(string(key), value)
	return nil
}

// splitPath validates an absolute path and splits it into the parent
// components and the final name. The root path "/" yields no
// components and an empty name.
func splitPath(raw []byte) ([]string, string, error) {
	path := string(raw)
	if path == "/" {
		return nil, "", nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, "", xerrors.Errorf("path %q is not absolute: %w", path, ErrMalformedLine)
	}
	parts := strings.Split(path[1:], "/")
	for _, part := range parts {
		if !tree.ValidName(part) {
			return nil, "", xerrors.Errorf("path %q: bad component %q: %w", path, part, ErrMalformedLine)
		}
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

func makeLeaf(mode uint32, size, rdev uint64, payload, content, digest []byte, st tree.Stat) (*tree.Leaf, error) {
	var lc tree.LeafContent
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		if content != nil {
			d, err := fsverity.FromHex(string(content))
			if err != nil {
				return nil, err
			}
			if digest != nil && string(digest) != string(content) {
				return nil, xerrors.Errorf("digest %q disagrees with content %q: %w", digest, content, ErrMalformedLine)
			}
			lc = tree.ExternalContent(d, size)
			break
		}
		if size != uint64(len(payload)) {
			return nil, xerrors.Errorf("size %d does not match %d payload bytes: %w", size, len(payload), ErrMalformedLine)
		}
		lc = tree.InlineContent(payload)
	case unix.S_IFLNK:
		if len(payload) == 0 {
			return nil, xerrors.Errorf("symlink without target: %w", ErrMalformedLine)
		}
		lc = tree.SymlinkContent(payload)
	case unix.S_IFCHR:
		lc = tree.CharDeviceContent(rdev)
	case unix.S_IFBLK:
		lc = tree.BlockDeviceContent(rdev)
	case unix.S_IFIFO:
		lc = tree.FifoContent()
	case unix.S_IFSOCK:
		return nil, xerrors.Errorf("socket: %w", ErrUnsupportedType)
	default:
		return nil, xerrors.Errorf("mode %o has no file type: %w", mode, ErrMalformedLine)
	}
	return &tree.Leaf{Content: lc, Stat: st}, nil
}

func (p *parser) addDirectory(dirpath []string, name string, st tree.Stat) error {
	if name == "" {
		if p.explicit[p.fs.Root] {
			return xerrors.Errorf("/: %w", ErrDuplicateName)
		}
		p.fs.Root.Stat = st
		p.explicit[p.fs.Root] = true
		return nil
	}
	parent, err := p.ensureDir(dirpath)
	if err != nil {
		return err
	}
	if existing, ok := parent.Lookup(name); ok {
		d, isDir := existing.(*tree.Directory)
		if !isDir || p.explicit[d] {
			return xerrors.Errorf("%q: %w", name, ErrDuplicateName)
		}
		// Placeholder created for a child seen earlier; adopt the
		// attributes from its own line.
		d.Stat = st
		p.explicit[d] = true
		return nil
	}
	d := tree.NewDirectory(st)
	p.explicit[d] = true
	parent.Insert(name, d)
	return nil
}

func (p *parser) ensureDir(components []string) (*tree.Directory, error) {
	d := p.fs.Root
	for _, name := range components {
		existing, ok := d.Lookup(name)
		if !ok {
			child := tree.NewDirectory(tree.Stat{Mode: 0o755})
			d.Insert(name, child)
			d = child
			continue
		}
		child, isDir := existing.(*tree.Directory)
		if !isDir {
			return nil, xerrors.Errorf("%q is not a directory: %w", name, ErrMalformedLine)
		}
		d = child
	}
	return d, nil
}
