package tree

// Overlayfs marker attributes. A whiteout in an overlay layer hides
// the identically-named object of the layer below; an opaque directory
// stops the merge at that directory.
const (
	// XattrWhiteout marks a single object as a whiteout.
	XattrWhiteout = "trusted.overlay.whiteout"
	// XattrWhiteouts marks a directory as containing whiteouts.
	XattrWhiteouts = "trusted.overlay.whiteouts"
	// XattrOpaque marks an opaque directory. Callers set it directly;
	// the transform leaves it in place.
	XattrOpaque = "trusted.overlay.opaque"
)

// markerValue is what the markers carry; overlayfs checks presence,
// not content, and uses "y" for its own markers.
var markerValue = []byte("y")

// AddOverlayWhiteouts materializes overlay whiteout markers for the
// 1.0 image format. A character device with rdev 0 stands for a
// whiteout; it is rewritten into an empty regular file carrying the
// per-object marker, and each directory directly containing one gains
// the directory marker. The transform is idempotent, runs in a single
// traversal, and must complete before the image writer runs — the
// writer requires that no rdev-0 character device remains.
func (fs *FileSystem) AddOverlayWhiteouts() {
	addOverlayWhiteouts(fs.Root)
}

func addOverlayWhiteouts(d *Directory) {
	marked := false
	for _, e := range d.entries {
		switch n := e.Inode.(type) {
		case *Directory:
			addOverlayWhiteouts(n)
		case *Leaf:
			if n.Content.Kind == CharDevice && n.Content.Rdev == 0 {
				n.Content = InlineContent(nil)
				n.Stat.SetXattr(XattrWhiteout, markerValue)
				marked = true
			} else if _, ok := n.Stat.Xattrs[XattrWhiteout]; ok {
				// Already transformed on an earlier run.
				marked = true
			}
		}
	}
	if marked {
		d.Stat.SetXattr(XattrWhiteouts, markerValue)
	}
}
