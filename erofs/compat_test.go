package erofs

// Bit-identity harness: every tree in the supported envelope must
// produce exactly the bytes the reference C builder (mkcomposefs)
// produces for the same dumpfile. The tests skip when the binary is
// not installed; set MKCOMPOSEFS_PATH to point at a specific build.
//
// The envelope excludes what the format cannot carry faithfully:
// sockets, inline payloads over 2048 bytes, zero-size external files,
// empty xattr values and lone "-" payloads.

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"testing"

	"github.com/cgwalters/composefs-go/dumpfile"
	"github.com/cgwalters/composefs-go/fsverity"
	"github.com/cgwalters/composefs-go/tree"
)

func mkcomposefsPath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("MKCOMPOSEFS_PATH"); p != "" {
		return p
	}
	p, err := exec.LookPath("mkcomposefs")
	if err != nil {
		t.Skip("mkcomposefs not found in $PATH")
	}
	return p
}

func referenceImage(t *testing.T, path string, dump []byte) []byte {
	t.Helper()
	cmd := exec.Command(path, "--min-version=0", "--from-file", "-", "-")
	cmd.Stdin = bytes.NewReader(dump)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("mkcomposefs: %v\n%s\ndumpfile:\n%s", err, stderr.Bytes(), dump)
	}
	return out.Bytes()
}

// compareWithReference serializes fs, feeds the identical dumpfile to
// both builders and requires byte-equal images.
func compareWithReference(t *testing.T, fs *tree.FileSystem) {
	t.Helper()
	path := mkcomposefsPath(t)

	var dump bytes.Buffer
	if err := dumpfile.Write(&dump, fs); err != nil {
		t.Fatal(err)
	}
	// Re-parse so both sides consume exactly the same input, the way
	// the reference does.
	parsed, err := dumpfile.Parse(dump.String())
	if err != nil {
		t.Fatalf("re-parsing own dumpfile: %v\n%s", err, dump.Bytes())
	}
	parsed.AddOverlayWhiteouts()
	ours, err := Mkfs(parsed, Format10)
	if err != nil {
		t.Fatal(err)
	}

	theirs := referenceImage(t, path, dump.Bytes())
	if !bytes.Equal(ours, theirs) {
		t.Errorf("images differ: ours %d bytes, reference %d bytes\ndumpfile:\n%s",
			len(ours), len(theirs), dump.Bytes())
	}
}

func TestCompatScenarios(t *testing.T) {
	digest, err := fsverity.FromHex(zeroDigest)
	if err != nil {
		t.Fatal(err)
	}

	scenarios := map[string]func() *tree.FileSystem{
		"empty": newFS,
		"single inline file": func() *tree.FileSystem {
			fs := newFS()
			fs.Root.Insert("file", inlineLeaf("test", 0o644))
			return fs
		},
		"single external file": func() *tree.FileSystem {
			fs := newFS()
			fs.Root.Insert("external", &tree.Leaf{
				Content: tree.ExternalContent(digest, 4096),
				Stat:    tree.Stat{Mode: 0o644},
			})
			return fs
		},
		"symlink": func() *tree.FileSystem {
			fs := newFS()
			fs.Root.Insert("link", &tree.Leaf{
				Content: tree.SymlinkContent([]byte("/target/path")),
				Stat:    tree.Stat{Mode: 0o777},
			})
			return fs
		},
		"shared xattr": func() *tree.FileSystem {
			fs := newFS()
			for i := 0; i < 5; i++ {
				l := inlineLeaf("", 0o644)
				l.Stat.SetXattr("user.shared", []byte("shared_value"))
				fs.Root.Insert(fmt.Sprintf("file%d", i), l)
			}
			return fs
		},
		"special files": func() *tree.FileSystem {
			fs := newFS()
			fs.Root.Insert("fifo", &tree.Leaf{Content: tree.FifoContent(), Stat: tree.Stat{Mode: 0o600}})
			fs.Root.Insert("chr", &tree.Leaf{Content: tree.CharDeviceContent(0x0105), Stat: tree.Stat{Mode: 0o666}})
			fs.Root.Insert("blk", &tree.Leaf{Content: tree.BlockDeviceContent(0x0800), Stat: tree.Stat{Mode: 0o660}})
			return fs
		},
	}
	for name, build := range scenarios {
		t.Run(name, func(t *testing.T) {
			compareWithReference(t, build())
		})
	}
}

// Hardlinks cannot go through the dumpfile round trip (sharing is not
// recoverable from paths), so this case builds both inputs directly.
func TestCompatHardlinks(t *testing.T) {
	fs := newFS()
	shared := inlineLeaf("xyz", 0o644)
	for _, name := range []string{"file0", "file1", "file2"} {
		fs.Root.Insert(name, shared)
	}

	path := mkcomposefsPath(t)
	var dump bytes.Buffer
	if err := dumpfile.Write(&dump, fs); err != nil {
		t.Fatal(err)
	}
	fs.AddOverlayWhiteouts()
	ours, err := Mkfs(fs, Format10)
	if err != nil {
		t.Fatal(err)
	}
	theirs := referenceImage(t, path, dump.Bytes())
	if !bytes.Equal(ours, theirs) {
		t.Errorf("hardlink images differ: ours %d bytes, reference %d bytes", len(ours), len(theirs))
	}
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomName(r *rand.Rand) string {
	b := make([]byte, 1+r.Intn(100))
	for i := range b {
		b[i] = nameAlphabet[r.Intn(len(nameAlphabet))]
	}
	return string(b)
}

func randomStat(r *rand.Rand) tree.Stat {
	st := tree.Stat{
		Mode: uint32(r.Intn(0o1000)),
		UID:  uint32(r.Intn(3) * 0xFFFF),
		GID:  uint32(r.Intn(3) * 0xFFFF),
	}
	if r.Intn(2) == 1 {
		st.Mtime = 2000000000
	}
	switch r.Intn(4) {
	case 0:
		st.SetXattr("user.shared", []byte("shared_value"))
	case 1:
		st.SetXattr("trusted."+randomName(r), []byte{0x00, 0xfe, 0xff})
	case 2:
		st.SetXattr("security."+randomName(r), []byte("label"))
	}
	return st
}

func randomLeaf(r *rand.Rand) *tree.Leaf {
	st := randomStat(r)
	switch r.Intn(6) {
	case 0:
		var d fsverity.Digest
		r.Read(d[:])
		return &tree.Leaf{Content: tree.ExternalContent(d, 1+uint64(r.Intn(1<<20))), Stat: st}
	case 1:
		return &tree.Leaf{Content: tree.SymlinkContent([]byte("/" + randomName(r))), Stat: st}
	case 2:
		return &tree.Leaf{Content: tree.FifoContent(), Stat: st}
	case 3:
		return &tree.Leaf{Content: tree.CharDeviceContent(uint64(1 + r.Intn(1<<16))), Stat: st}
	case 4:
		return &tree.Leaf{Content: tree.BlockDeviceContent(uint64(1 + r.Intn(1<<16))), Stat: st}
	default:
		data := make([]byte, r.Intn(2049))
		r.Read(data)
		return &tree.Leaf{Content: tree.InlineContent(data), Stat: st}
	}
}

// randomTree stays inside the compat envelope, and flat: nested
// directory bit-identity is a known open item.
func randomTree(seed int64) *tree.FileSystem {
	r := rand.New(rand.NewSource(seed))
	fs := newFS()
	for i, n := 0, 1+r.Intn(12); i < n; i++ {
		fs.Root.Insert(randomName(r), randomLeaf(r))
	}
	return fs
}

func TestCompatRandomTrees(t *testing.T) {
	// Cases are independent and run sequentially; the fixed seeds make
	// every run identical.
	for seed := int64(0); seed < 64; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			compareWithReference(t, randomTree(seed))
		})
	}
}
