// Package heicfs implements the Filesystem Adapter (C6): a FUSE
// RawFileSystem that translates filesystem operations into calls against
// the path mapper, artifact cache, and conversion pipeline.
package heicfs

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ticpu/fuse-img2heic/internal/artifactcache"
	"github.com/ticpu/fuse-img2heic/internal/convpipe"
	"github.com/ticpu/fuse-img2heic/internal/ferr"
	"github.com/ticpu/fuse-img2heic/internal/pathmap"
)

// inodeTable assigns a monotonic inode id to each observed virtual path,
// with inode 1 reserved for the synthetic mount root. It is append-grow:
// entries persist for the life of the process (spec.md §3's Inode map).
type inodeTable struct {
	mu      sync.RWMutex
	byPath  map[string]uint64
	byInode map[uint64]string
	next    uint64
}

func newInodeTable() *inodeTable {
	return &inodeTable{
		byPath:  map[string]uint64{"": 1},
		byInode: map[uint64]string{1: ""},
		next:    2,
	}
}

// intern returns virtualPath's inode, assigning a new one on first
// reference.
func (t *inodeTable) intern(virtualPath string) uint64 {
	t.mu.RLock()
	if ino, ok := t.byPath[virtualPath]; ok {
		t.mu.RUnlock()
		return ino
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if ino, ok := t.byPath[virtualPath]; ok {
		return ino
	}
	ino := t.next
	t.next++
	t.byPath[virtualPath] = ino
	t.byInode[ino] = virtualPath
	return ino
}

func (t *inodeTable) path(ino uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byInode[ino]
	return p, ok
}

// joinVirtual appends name to a parent virtual path using the same "/"
// convention internal/pathmap expects.
func joinVirtual(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// splitParentName splits a virtual path into its parent directory and
// final component.
func splitParentName(virtualPath string) (string, string) {
	i := strings.LastIndex(virtualPath, "/")
	if i < 0 {
		return "", virtualPath
	}
	return virtualPath[:i], virtualPath[i+1:]
}

// FS is the FUSE RawFileSystem adapter. It embeds the library's default
// implementation so that mutating/unimplemented operations not overridden
// below fall back to ENOSYS, matching spec.md §6's read-only contract;
// operations with a more specific required status (EROFS, EACCES) are
// overridden explicitly.
type FS struct {
	fuse.RawFileSystem

	mapper   *pathmap.Mapper
	cache    *artifactcache.Cache
	pipeline *convpipe.Pipeline
	inodes   *inodeTable
}

// New builds a FS wiring C2 (mapper), C4 (cache), and C5 (pipeline).
func New(mapper *pathmap.Mapper, cache *artifactcache.Cache, pipeline *convpipe.Pipeline) *FS {
	return &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		mapper:        mapper,
		cache:         cache,
		pipeline:      pipeline,
		inodes:        newInodeTable(),
	}
}

func (fs *FS) String() string { return "fuseheic" }

// lookupEntry resolves (parentVirtual, name) to its projected DirEntry by
// delegating to C2.ProjectDir and searching for name, reusing the exact
// classification ProjectDir would have used for a readdir of the same
// directory (keeping lookup and readdir consistent by construction).
func (fs *FS) lookupEntry(parentVirtual, name string) (pathmap.DirEntry, error) {
	entries, err := fs.mapper.ProjectDir(parentVirtual)
	if err != nil {
		return pathmap.DirEntry{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return pathmap.DirEntry{}, ferr.New(ferr.NotFound, "heicfs.lookupEntry", os.ErrNotExist)
}

// attrsFor computes the synthetic fuse.Attr for a projected entry,
// implementing spec.md §6's getattr rules: directories 0555, files 0444,
// mtime/ctime mirror the real file, size is the cached artifact length
// when known or else the original file's size (open question Q1).
func (fs *FS) attrsFor(e pathmap.DirEntry) (fuse.Attr, error) {
	var a fuse.Attr

	info, err := os.Stat(e.RealPath)
	if err != nil {
		return a, ferr.New(ferr.NotFound, "heicfs.attrsFor", err)
	}
	mt := uint64(info.ModTime().Unix())
	a.Mtime, a.Ctime, a.Atime = mt, mt, mt

	if e.IsDir {
		a.Mode = syscall.S_IFDIR | 0555
		a.Size = 4096
		return a, nil
	}

	origSize := info.Size()
	key := artifactcache.ComputeKey(e.RealPath, origSize)
	size := uint64(origSize)
	if cachedLen, ok := fs.cache.Length(key); ok {
		size = uint64(cachedLen)
	}
	a.Mode = syscall.S_IFREG | 0444
	a.Size = size
	return a, nil
}

// Lookup implements fuse.RawFileSystem.
func (fs *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parentVirtual, ok := fs.inodes.path(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}

	entry, err := fs.lookupEntry(parentVirtual, name)
	if err != nil {
		return ferr.ToErrno(err)
	}

	attrs, err := fs.attrsFor(entry)
	if err != nil {
		return ferr.ToErrno(err)
	}

	ino := fs.inodes.intern(joinVirtual(parentVirtual, name))
	attrs.Ino = ino

	out.NodeId = ino
	out.EntryValid = 1
	out.AttrValid = 1
	out.Attr = attrs
	return fuse.OK
}

// GetAttr implements fuse.RawFileSystem.
func (fs *FS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	virtualPath, ok := fs.inodes.path(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}

	if virtualPath == "" {
		out.AttrValid = 1
		out.Attr = fuse.Attr{Mode: syscall.S_IFDIR | 0555, Ino: 1}
		return fuse.OK
	}

	parent, name := splitParentName(virtualPath)
	entry, err := fs.lookupEntry(parent, name)
	if err != nil {
		return ferr.ToErrno(err)
	}

	attrs, err := fs.attrsFor(entry)
	if err != nil {
		return ferr.ToErrno(err)
	}
	attrs.Ino = input.NodeId

	out.AttrValid = 1
	out.Attr = attrs
	return fuse.OK
}

// OpenDir implements fuse.RawFileSystem. No per-handle state beyond the
// inode id is needed.
func (fs *FS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	out.Fh = input.NodeId
	return fuse.OK
}

// readEntries resolves the virtual directory behind inode ino.
func (fs *FS) readEntries(ino uint64) ([]pathmap.DirEntry, fuse.Status) {
	virtualPath, ok := fs.inodes.path(ino)
	if !ok {
		return nil, fuse.ENOENT
	}
	entries, err := fs.mapper.ProjectDir(virtualPath)
	if err != nil {
		return nil, ferr.ToErrno(err)
	}
	return entries, fuse.OK
}

// ReadDir implements fuse.RawFileSystem: stable, sorted-by-name streaming
// with offsets as monotonic positions in the emitted sequence.
func (fs *FS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, status := fs.readEntries(input.NodeId)
	if !status.Ok() {
		return status
	}

	virtualPath, _ := fs.inodes.path(input.NodeId)
	for i := input.Offset; i < uint64(len(entries)); i++ {
		e := entries[i]
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		childIno := fs.inodes.intern(joinVirtual(virtualPath, e.Name))
		if !out.AddDirEntry(fuse.DirEntry{Mode: mode, Name: e.Name, Ino: childIno}) {
			break
		}
	}
	return fuse.OK
}

// ReadDirPlus implements fuse.RawFileSystem, pairing each entry with its
// attributes in one round trip.
func (fs *FS) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, status := fs.readEntries(input.NodeId)
	if !status.Ok() {
		return status
	}

	virtualPath, _ := fs.inodes.path(input.NodeId)
	for i := input.Offset; i < uint64(len(entries)); i++ {
		e := entries[i]
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		childIno := fs.inodes.intern(joinVirtual(virtualPath, e.Name))

		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Mode: mode, Name: e.Name, Ino: childIno})
		if entryOut == nil {
			break
		}
		attrs, err := fs.attrsFor(e)
		if err != nil {
			continue
		}
		attrs.Ino = childIno
		entryOut.NodeId = childIno
		entryOut.EntryValid = 1
		entryOut.AttrValid = 1
		entryOut.Attr = attrs
	}
	return fuse.OK
}

func (fs *FS) ReleaseDir(input *fuse.ReleaseIn) {}

func (fs *FS) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status { return fuse.OK }

// Open implements fuse.RawFileSystem, rejecting any non-read-only access
// mode with EACCES.
func (fs *FS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if int(input.Flags)&syscall.O_ACCMODE != syscall.O_RDONLY {
		return fuse.EACCES
	}
	out.Fh = input.NodeId
	return fuse.OK
}

// Read implements fuse.RawFileSystem: resolve the real source and cache
// key, serve from cache on a hit, otherwise submit to the conversion
// pipeline and wait, falling back to the original bytes (degradation
// policy, spec.md §7) if the conversion cannot be completed.
func (fs *FS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	virtualPath, ok := fs.inodes.path(input.Fh)
	if !ok {
		return nil, fuse.ENOENT
	}

	parent, name := splitParentName(virtualPath)
	entry, err := fs.lookupEntry(parent, name)
	if err != nil {
		return nil, ferr.ToErrno(err)
	}
	if entry.IsDir {
		return nil, fuse.Status(syscall.EISDIR)
	}

	origSize, err := pathmap.RealSize(entry.RealPath)
	if err != nil {
		return nil, ferr.ToErrno(err)
	}
	key := artifactcache.ComputeKey(entry.RealPath, origSize)

	blob, hit := fs.cache.Get(key)
	if !hit {
		ctx, stop := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cancel:
				stop()
			case <-ctx.Done():
			}
		}()

		convErr := fs.pipeline.Ensure(ctx, key, entry.RealPath)
		stop()

		if convErr != nil {
			orig, readErr := os.ReadFile(entry.RealPath)
			if readErr != nil {
				return nil, ferr.ToErrno(convErr)
			}
			log.Printf("warning: serving original bytes for %q after conversion failure: %v", entry.RealPath, convErr)
			blob = orig
		} else if b, ok := fs.cache.Get(key); ok {
			blob = b
		} else {
			orig, readErr := os.ReadFile(entry.RealPath)
			if readErr != nil {
				return nil, fuse.EIO
			}
			blob = orig
		}
	}

	start := int(input.Offset)
	if start > len(blob) {
		start = len(blob)
	}
	end := start + int(input.Size)
	if end > len(blob) {
		end = len(blob)
	}
	return fuse.ReadResultData(blob[start:end]), fuse.OK
}

func (fs *FS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {}

// StatFs implements fuse.RawFileSystem with best-effort numbers derived
// from the artifact cache's current occupancy.
func (fs *FS) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	const blockSize = 4096
	stats := fs.cache.Stats()
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(stats.TotalBytes) / blockSize
	out.Files = uint64(stats.Entries)
	out.NameLen = 255
	return fuse.OK
}

// The operations below implement spec.md's Non-goals: write support,
// rename/delete, and extended attributes are all rejected with EROFS
// rather than relying solely on the embedded default's ENOSYS, per
// spec.md §6's "EROFS or ENOSYS as appropriate" contract.

func (fs *FS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	return 0, fuse.EROFS
}

func (fs *FS) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return fuse.EROFS
}
