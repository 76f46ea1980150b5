// Package pathmap implements the Path Mapper (C2): bidirectional mapping
// between virtual paths (under mount-name roots) and real paths (under
// configured source roots), plus directory projection with exclusions.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/ticpu/fuse-img2heic/internal/ferr"
	"github.com/ticpu/fuse-img2heic/internal/imgformat"
)

// foldExt normalizes a filename extension for case-insensitive comparison,
// so ".JPG" and ".jpg" resolve to the same sibling on case-insensitive or
// mixed-case source trees.
var foldExt = cases.Fold()

func normalizedExt(name string) string {
	return foldExt.String(filepath.Ext(name))
}

// heicExt is the extension every projected image file is rewritten to.
const heicExt = ".heic"

// siblingOrder is the deterministic tie-break order spec.md §4.2 requires
// when resolving a ".heic" virtual name back to a real sibling file.
var siblingOrder = []string{".heic", ".jpg", ".jpeg", ".png", ".webp", ".tiff", ".bmp", ".gif"}

// SourceRoot is one configured source directory tree, ready for use by the
// mapper: its real root is already canonicalized.
type SourceRoot struct {
	RealRoot  string
	MountName string
	Recursive bool
	Detector  *imgformat.Detector
}

// DirEntry is one entry produced by ProjectDir.
type DirEntry struct {
	Name     string
	IsDir    bool
	RealPath string
}

// Mapper resolves between the synthetic virtual tree and the real
// filesystem, and enumerates virtual directories.
type Mapper struct {
	roots      []SourceRoot
	byName     map[string]*SourceRoot
	mountPoint string
}

// New builds a Mapper from roots. mountPoint is the canonicalized absolute
// path of the FUSE mount point itself, used to implement invariant I5.
func New(roots []SourceRoot, mountPoint string) (*Mapper, error) {
	byName := make(map[string]*SourceRoot, len(roots))
	m := &Mapper{roots: make([]SourceRoot, len(roots)), mountPoint: filepath.Clean(mountPoint)}
	for i, r := range roots {
		if _, dup := byName[r.MountName]; dup {
			return nil, fmt.Errorf("pathmap: duplicate mount name %q", r.MountName)
		}
		m.roots[i] = r
		byName[r.MountName] = &m.roots[i]
	}
	m.byName = byName
	return m, nil
}

// splitVirtual splits a virtual path "mountName/a/b/c" into its mount name
// and the remaining components. An empty v yields ("", nil): the synthetic
// root.
func splitVirtual(v string) (string, []string) {
	v = strings.Trim(v, "/")
	if v == "" {
		return "", nil
	}
	parts := strings.Split(v, "/")
	return parts[0], parts[1:]
}

// lookupRoot finds the SourceRoot for mountName.
func (m *Mapper) lookupRoot(mountName string) (*SourceRoot, error) {
	r, ok := m.byName[mountName]
	if !ok {
		return nil, ferr.New(ferr.NotFound, "pathmap.lookupRoot", fmt.Errorf("no such mount name %q", mountName))
	}
	return r, nil
}

// validateComponents rejects ".." traversal per spec.md §4.2.
func validateComponents(parts []string) error {
	for _, p := range parts {
		if p == ".." {
			return ferr.New(ferr.InvalidInput, "pathmap.validateComponents", fmt.Errorf("virtual path contains '..'"))
		}
	}
	return nil
}

// ResolveVirtual maps a virtual path to its real counterpart. v must not
// be the synthetic root (callers should route that to ProjectDir instead).
func (m *Mapper) ResolveVirtual(v string) (string, error) {
	mountName, parts := splitVirtual(v)
	if mountName == "" {
		return "", ferr.New(ferr.InvalidInput, "pathmap.ResolveVirtual", fmt.Errorf("virtual path is the synthetic root"))
	}
	root, err := m.lookupRoot(mountName)
	if err != nil {
		return "", err
	}
	if err := validateComponents(parts); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", ferr.New(ferr.InvalidInput, "pathmap.ResolveVirtual", fmt.Errorf("virtual path names only a mount root"))
	}
	if !root.Recursive && len(parts) > 1 {
		return "", ferr.New(ferr.NotFound, "pathmap.ResolveVirtual", fmt.Errorf("source root %q is non-recursive", mountName))
	}

	last := parts[len(parts)-1]
	dirParts := parts[:len(parts)-1]
	realDir := filepath.Join(append([]string{root.RealRoot}, dirParts...)...)

	if normalizedExt(last) == heicExt {
		stem := strings.TrimSuffix(last, filepath.Ext(last))
		real, err := resolveSibling(realDir, stem)
		if err != nil {
			return "", err
		}
		return real, nil
	}

	real := filepath.Join(realDir, last)
	info, err := os.Stat(real)
	if err != nil {
		return "", ferr.New(ferr.NotFound, "pathmap.ResolveVirtual", err)
	}
	if info.IsDir() {
		return real, nil
	}
	return real, nil
}

// resolveSibling searches dir for a file named stem+ext for each ext in
// siblingOrder, returning the first match (invariant I4's tie-break).
// Matching is case-insensitive on both stem and extension so a sibling
// named "IMG.JPG" resolves for virtual name "img.heic".
func resolveSibling(dir, stem string) (string, error) {
	foldedStem := foldExt.String(stem)

	children, err := os.ReadDir(dir)
	if err != nil {
		return "", ferr.New(ferr.NotFound, "pathmap.resolveSibling", err)
	}
	byExt := make(map[string]string, len(children))
	for _, c := range children {
		if c.IsDir() {
			continue
		}
		name := c.Name()
		ext := normalizedExt(name)
		nameStem := foldExt.String(strings.TrimSuffix(name, filepath.Ext(name)))
		if nameStem != foldedStem {
			continue
		}
		if _, exists := byExt[ext]; !exists {
			byExt[ext] = filepath.Join(dir, name)
		}
	}

	for _, ext := range siblingOrder {
		if real, ok := byExt[ext]; ok {
			return real, nil
		}
	}
	return "", ferr.New(ferr.NotFound, "pathmap.resolveSibling", fmt.Errorf("no source sibling for stem %q in %q", stem, dir))
}

// RealSize returns the byte size of the file at real, used to compute cache
// keys.
func RealSize(real string) (int64, error) {
	info, err := os.Stat(real)
	if err != nil {
		return 0, ferr.New(ferr.NotFound, "pathmap.RealSize", err)
	}
	return info.Size(), nil
}

// ProjectDir enumerates a virtual directory. v == "" enumerates the
// synthetic root (one entry per SourceRoot, by mount name).
func (m *Mapper) ProjectDir(v string) ([]DirEntry, error) {
	mountName, parts := splitVirtual(v)
	if mountName == "" {
		entries := make([]DirEntry, 0, len(m.roots))
		for i := range m.roots {
			entries = append(entries, DirEntry{Name: m.roots[i].MountName, IsDir: true})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return entries, nil
	}

	root, err := m.lookupRoot(mountName)
	if err != nil {
		return nil, err
	}
	if err := validateComponents(parts); err != nil {
		return nil, err
	}
	if !root.Recursive && len(parts) > 0 {
		return nil, ferr.New(ferr.NotFound, "pathmap.ProjectDir", fmt.Errorf("source root %q is non-recursive", mountName))
	}

	realDir := filepath.Join(append([]string{root.RealRoot}, parts...)...)
	children, err := os.ReadDir(realDir)
	if err != nil {
		return nil, ferr.New(ferr.NotFound, "pathmap.ProjectDir", err)
	}

	entries := make([]DirEntry, 0, len(children))
	for _, c := range children {
		childReal := filepath.Join(realDir, c.Name())
		if isMountPoint(childReal, m.mountPoint) {
			continue
		}

		if c.IsDir() {
			if !root.Recursive {
				continue
			}
			entries = append(entries, DirEntry{Name: c.Name(), IsDir: true, RealPath: childReal})
			continue
		}

		if kind := root.Detector.IsImage(childReal, c.Name()); kind != imgformat.Unknown {
			stem := strings.TrimSuffix(c.Name(), filepath.Ext(c.Name()))
			entries = append(entries, DirEntry{Name: stem + heicExt, IsDir: false, RealPath: childReal})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// isMountPoint reports whether real's cleaned path is the configured FUSE
// mount point or one of its ancestors, implementing invariant I5.
func isMountPoint(real, mountPoint string) bool {
	if mountPoint == "" {
		return false
	}
	real = filepath.Clean(real)
	return real == mountPoint || strings.HasPrefix(mountPoint, real+string(filepath.Separator))
}
