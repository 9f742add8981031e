package lfs

import (
	"errors"
	"sort"
)

// RootGDN is the root directory; it is described by file RootGFN.
const (
	RootGDN = 0
	RootGFN = 0
)

var ErrTableFull = errors.New("lfs: table is full")

// FileSystem is a snapshot of the device's global directory, file and fork tables.
type FileSystem struct {
	// TargetDeviceID is the unique id of the device, empty for simulated targets.
	TargetDeviceID string

	Directories map[uint32]DirectoryEntry
	Files       map[uint32]FileEntry
	Forks       map[uint32]ForkEntry
}

func NewFileSystem(targetDeviceID string) *FileSystem {
	return &FileSystem{
		TargetDeviceID: targetDeviceID,
		Directories:    make(map[uint32]DirectoryEntry),
		Files:          make(map[uint32]FileEntry),
		Forks:          make(map[uint32]ForkEntry),
	}
}

// NewFormatted returns a file system holding only the root directory.
func NewFormatted(targetDeviceID string) *FileSystem {
	fs := NewFileSystem(targetDeviceID)
	root := NewFileEntry(RootGFN, "", RootGDN)
	root.IsDirectory = true
	root.GDN = RootGDN
	fs.Files[RootGFN] = root
	fs.Directories[RootGDN] = DirectoryEntry{GDN: RootGDN, FileGFN: RootGFN}
	return fs
}

func (fs *FileSystem) Clone() *FileSystem {
	c := NewFileSystem(fs.TargetDeviceID)
	for k, v := range fs.Directories {
		c.Directories[k] = v
	}
	for k, v := range fs.Files {
		c.Files[k] = v
	}
	for k, v := range fs.Forks {
		c.Forks[k] = v
	}
	return c
}

func (fs *FileSystem) Directory(gdn uint32) (DirectoryEntry, error) {
	d, ok := fs.Directories[gdn]
	if !ok {
		return d, inconsistent(Directory, gdn, fs.TargetDeviceID, "no such directory")
	}
	return d, nil
}

func (fs *FileSystem) File(gfn uint32) (FileEntry, error) {
	f, ok := fs.Files[gfn]
	if !ok {
		return f, inconsistent(File, gfn, fs.TargetDeviceID, "no such file")
	}
	return f, nil
}

func (fs *FileSystem) Fork(gkn uint32) (ForkEntry, error) {
	k, ok := fs.Forks[gkn]
	if !ok {
		return k, inconsistent(Fork, gkn, fs.TargetDeviceID, "no such fork")
	}
	if k.Size > MaxForkSize {
		return k, inconsistent(Fork, gkn, fs.TargetDeviceID, "fork size %d exceeds the flash", k.Size)
	}
	return k, nil
}

// FileFork resolves the fork of the given kind attached to a file.
func (fs *FileSystem) FileFork(gfn uint32, kind ForkKind) (ForkEntry, error) {
	if err := CheckForkKind(kind); err != nil {
		return ForkEntry{}, err
	}
	f, err := fs.File(gfn)
	if err != nil {
		return ForkEntry{}, err
	}
	gkn := f.Forks[kind]
	if gkn == InvalidNumber {
		return ForkEntry{}, inconsistent(File, gfn, fs.TargetDeviceID, "file has no %v fork", kind)
	}
	return fs.Fork(gkn)
}

// Children returns the files in a directory ordered by GFN.
func (fs *FileSystem) Children(gdn uint32) ([]FileEntry, error) {
	if _, err := fs.Directory(gdn); err != nil {
		return nil, err
	}
	var children []FileEntry
	for _, gfn := range sortedKeys(fs.Files) {
		f := fs.Files[gfn]
		if f.ParentGDN != gdn || (f.IsDirectory && f.GDN == gdn) {
			continue
		}
		children = append(children, f)
	}
	return children, nil
}

func (fs *FileSystem) FreeDirectoryNumber() (uint32, error) {
	return freeNumber(fs.Directories, MaxDirectories)
}

func (fs *FileSystem) FreeFileNumber() (uint32, error) {
	return freeNumber(fs.Files, MaxFiles)
}

func (fs *FileSystem) FreeForkNumber() (uint32, error) {
	return freeNumber(fs.Forks, MaxForks)
}

func freeNumber[V any](table map[uint32]V, size int) (uint32, error) {
	for n := uint32(0); n < uint32(size); n++ {
		if _, used := table[n]; !used {
			return n, nil
		}
	}
	return InvalidNumber, ErrTableFull
}

// Validate checks that every reference in the tables resolves. It returns the first
// problem found as an *InconsistentFileSystemError.
func (fs *FileSystem) Validate() error {
	id := fs.TargetDeviceID

	if _, ok := fs.Directories[RootGDN]; !ok {
		return inconsistent(Directory, RootGDN, id, "root directory is missing")
	}

	for _, gdn := range sortedKeys(fs.Directories) {
		d := fs.Directories[gdn]
		f, ok := fs.Files[d.FileGFN]
		if !ok {
			return inconsistent(File, d.FileGFN, id, "directory %d refers to missing file", gdn)
		}
		if !f.IsDirectory || f.GDN != gdn {
			return inconsistent(Directory, gdn, id, "file %d does not describe this directory", d.FileGFN)
		}
	}

	for _, gfn := range sortedKeys(fs.Files) {
		f := fs.Files[gfn]
		if _, ok := fs.Directories[f.ParentGDN]; !ok {
			return inconsistent(Directory, f.ParentGDN, id, "parent of file %d is missing", gfn)
		}
		if f.IsDirectory {
			d, ok := fs.Directories[f.GDN]
			if !ok {
				return inconsistent(Directory, f.GDN, id, "directory file %d refers to missing directory", gfn)
			}
			if d.FileGFN != gfn {
				return inconsistent(File, gfn, id, "directory %d is described by file %d", f.GDN, d.FileGFN)
			}
		}
		for kind, gkn := range f.Forks {
			if gkn == InvalidNumber {
				continue
			}
			if _, ok := fs.Forks[gkn]; !ok {
				return inconsistent(Fork, gkn, id, "%v fork of file %d is missing", ForkKind(kind), gfn)
			}
		}
	}

	for _, gkn := range sortedKeys(fs.Forks) {
		if _, err := fs.Fork(gkn); err != nil {
			return err
		}
	}

	// every directory must lead back to the root:
	for _, gdn := range sortedKeys(fs.Directories) {
		at := gdn
		for steps := 0; at != RootGDN; steps++ {
			if steps >= len(fs.Directories) {
				return inconsistent(Directory, gdn, id, "directory is not reachable from the root")
			}
			at = fs.Files[fs.Directories[at].FileGFN].ParentGDN
		}
	}

	return nil
}

// Compare reports the first disagreement between two views of the same file system.
func (fs *FileSystem) Compare(other *FileSystem) error {
	id := fs.TargetDeviceID

	if n, ok := firstDifference(fs.Directories, other.Directories); ok {
		return inconsistent(Directory, n, id, "views disagree")
	}
	if n, ok := firstDifference(fs.Files, other.Files); ok {
		return inconsistent(File, n, id, "views disagree")
	}
	if n, ok := firstDifference(fs.Forks, other.Forks); ok {
		return inconsistent(Fork, n, id, "views disagree")
	}
	return nil
}

func firstDifference[V comparable](a, b map[uint32]V) (uint32, bool) {
	keys := sortedKeys(a)
	for _, k := range sortedKeys(b) {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		va, oka := a[k]
		vb, okb := b[k]
		if oka != okb || va != vb {
			return k, true
		}
	}
	return InvalidNumber, false
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
