package pathmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ticpu/fuse-img2heic/internal/ferr"
	"github.com/ticpu/fuse-img2heic/internal/imgformat"
)

func mustDetector(t *testing.T) *imgformat.Detector {
	t.Helper()
	d, err := imgformat.NewDetector(nil)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

func writeJpeg(t *testing.T, path string) {
	t.Helper()
	buf := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 28)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func writePng(t *testing.T, path string) {
	t.Helper()
	buf := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 24)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestProjectDirRoot(t *testing.T) {
	d := mustDetector(t)
	roots := []SourceRoot{
		{RealRoot: "/src/a", MountName: "pictures", Detector: d},
		{RealRoot: "/src/b", MountName: "scans", Detector: d},
	}
	m, err := New(roots, "/mnt/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := m.ProjectDir("")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "pictures" || entries[1].Name != "scans" {
		t.Fatalf("ProjectDir root: got %+v", entries)
	}
}

func TestProjectDirImagesRewrittenToHeic(t *testing.T) {
	dir := t.TempDir()
	writeJpeg(t, filepath.Join(dir, "a.jpg"))
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := mustDetector(t)
	roots := []SourceRoot{{RealRoot: dir, MountName: "pictures", Recursive: true, Detector: d}}
	m, err := New(roots, "/mnt/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := m.ProjectDir("pictures")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ProjectDir: got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Name != "a.heic" || entries[0].IsDir {
		t.Errorf("entries[0]: got %+v, want a.heic file", entries[0])
	}
	if entries[1].Name != "sub" || !entries[1].IsDir {
		t.Errorf("entries[1]: got %+v, want sub dir", entries[1])
	}
}

func TestProjectDirNonRecursiveSkipsSubdirs(t *testing.T) {
	dir := t.TempDir()
	writeJpeg(t, filepath.Join(dir, "a.jpg"))
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := mustDetector(t)
	roots := []SourceRoot{{RealRoot: dir, MountName: "pictures", Recursive: false, Detector: d}}
	m, err := New(roots, "/mnt/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := m.ProjectDir("pictures")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.heic" {
		t.Fatalf("ProjectDir non-recursive: got %+v, want only a.heic", entries)
	}

	if _, err := m.ProjectDir("pictures/sub"); err == nil {
		t.Fatal("ProjectDir: expected error descending into subdir of non-recursive root")
	}
}

func TestProjectDirExcludesMountPoint(t *testing.T) {
	dir := t.TempDir()
	mountPoint := filepath.Join(dir, "mnt")
	if err := os.Mkdir(mountPoint, 0o755); err != nil {
		t.Fatal(err)
	}
	writeJpeg(t, filepath.Join(dir, "a.jpg"))

	d := mustDetector(t)
	roots := []SourceRoot{{RealRoot: dir, MountName: "pictures", Recursive: true, Detector: d}}
	m, err := New(roots, mountPoint)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, err := m.ProjectDir("pictures")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	for _, e := range entries {
		if e.Name == "mnt" {
			t.Fatalf("ProjectDir: mount point leaked into listing: %+v", entries)
		}
	}
	if len(entries) != 1 {
		t.Fatalf("ProjectDir: got %d entries, want 1 (only a.heic)", len(entries))
	}
}

func TestResolveVirtualTieBreak(t *testing.T) {
	dir := t.TempDir()
	writeJpeg(t, filepath.Join(dir, "img.jpg"))
	writePng(t, filepath.Join(dir, "img.png"))

	d := mustDetector(t)
	roots := []SourceRoot{{RealRoot: dir, MountName: "pictures", Recursive: true, Detector: d}}
	m, err := New(roots, "/mnt/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	real, err := m.ResolveVirtual("pictures/img.heic")
	if err != nil {
		t.Fatalf("ResolveVirtual: %v", err)
	}
	want := filepath.Join(dir, "img.jpg")
	if real != want {
		t.Errorf("ResolveVirtual tie-break: got %q, want %q (jpg before png)", real, want)
	}
}

func TestResolveVirtualRejectsDotDot(t *testing.T) {
	d := mustDetector(t)
	roots := []SourceRoot{{RealRoot: "/src", MountName: "pictures", Recursive: true, Detector: d}}
	m, err := New(roots, "/mnt/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = m.ResolveVirtual("pictures/../etc/passwd.heic")
	if ferr.KindOf(err) != ferr.InvalidInput {
		t.Fatalf("ResolveVirtual: got %v, want InvalidInput for '..'", err)
	}
}

func TestResolveVirtualUnknownMountName(t *testing.T) {
	d := mustDetector(t)
	roots := []SourceRoot{{RealRoot: "/src", MountName: "pictures", Recursive: true, Detector: d}}
	m, err := New(roots, "/mnt/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = m.ResolveVirtual("nosuchroot/img.heic")
	if ferr.KindOf(err) != ferr.NotFound {
		t.Fatalf("ResolveVirtual: got %v, want NotFound", err)
	}
}

func TestRealSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.jpg")
	writeJpeg(t, p)

	size, err := RealSize(p)
	if err != nil {
		t.Fatalf("RealSize: %v", err)
	}
	if size != 32 {
		t.Errorf("RealSize: got %d, want 32", size)
	}
}

func TestNewRejectsDuplicateMountName(t *testing.T) {
	d := mustDetector(t)
	roots := []SourceRoot{
		{RealRoot: "/a", MountName: "pictures", Detector: d},
		{RealRoot: "/b", MountName: "pictures", Detector: d},
	}
	if _, err := New(roots, "/mnt/x"); err == nil {
		t.Fatal("New: expected error for duplicate mount name")
	}
}
