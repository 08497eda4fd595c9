// Package fuse adapts the NTFS core (internal/volume, internal/inode) to
// jacobsa/fuse's fuseutil.FileSystem interface, the way distr1-distri's own
// internal/fuse adapts its package store to the same library: one fuseFS
// struct holding whatever per-mount state the frontend needs, a flag-parsed
// Mount entry point, and a signal loop for operator-triggered housekeeping.
package fuse

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/nfistri/gontfs/internal/inode"
	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/volume"
)

const help = `gontfsmount [-flags] <device> <mountpoint>

Mount an NTFS volume at <device> (a regular file or block device) as a FUSE
file system rooted at <mountpoint>.
`

// Options holds the mount-time configuration. UID/GID/Umask set the owner
// and mode reported for every inode, NoHidden drops HIDDEN entries from
// directory listings, and ReadOnly is passed to the FUSE mount. The other
// fields (SysImmutable, Discard, Sparse, ShowMeta, Force, NoACSRules,
// Prealloc) are parsed and stored, but nothing reads them.
type Options struct {
	UID           uint32
	GID           uint32
	Umask         os.FileMode
	SysImmutable  bool
	Discard       bool
	Sparse        bool
	ShowMeta      bool
	NoHidden      bool
	Force         bool
	NoACSRules    bool
	Prealloc      bool
	ReadOnly      bool
}

// ParseArgs parses gontfsmount's flag set, matching the one-flag-per-option
// convention distr1-distri's cmd/distri subcommands use (flag.NewFlagSet, no
// third-party CLI framework).
func ParseArgs(args []string) (devicePath, mountpoint string, opts Options, err error) {
	fset := flag.NewFlagSet("gontfsmount", flag.ContinueOnError)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fset.PrintDefaults()
	}
	uid := fset.Uint("uid", uint(os.Getuid()), "uid to own every file on this volume")
	gid := fset.Uint("gid", uint(os.Getgid()), "gid to own every file on this volume")
	umask := fset.Uint("umask", 0022, "umask applied to every reported mode")
	sysImmutable := fset.Bool("sys_immutable", false, "mark files with the SYSTEM attribute as immutable (accepted; has no effect)")
	discard := fset.Bool("discard", false, "issue TRIM/discard on cluster deallocation (accepted; has no effect)")
	sparse := fset.Bool("sparse", true, "create sparse files by default (accepted; has no effect)")
	showmeta := fset.Bool("showmeta", false, "show NTFS metadata files ($MFT, $Bitmap, ...) (accepted; has no effect)")
	nohidden := fset.Bool("nohidden", false, "hide files carrying the HIDDEN attribute")
	force := fset.Bool("force", false, "mount even if the volume is marked dirty (accepted; has no effect)")
	noACSRules := fset.Bool("no_acs_rules", false, "disable access checks derived from NTFS ACLs (accepted; has no effect)")
	prealloc := fset.Bool("prealloc", false, "preallocate full clusters on file growth (accepted; has no effect)")
	readonly := fset.Bool("readonly", false, "mount read-only")
	if err := fset.Parse(args); err != nil {
		return "", "", Options{}, err
	}
	if fset.NArg() != 2 {
		return "", "", Options{}, xerrors.Errorf("syntax: gontfsmount [-flags] <device> <mountpoint>")
	}
	return fset.Arg(0), fset.Arg(1), Options{
		UID:          uint32(*uid),
		GID:          uint32(*gid),
		Umask:        os.FileMode(*umask),
		SysImmutable: *sysImmutable,
		Discard:      *discard,
		Sparse:       *sparse,
		ShowMeta:     *showmeta,
		NoHidden:     *nohidden,
		Force:        *force,
		NoACSRules:   *noACSRules,
		Prealloc:     *prealloc,
		ReadOnly:     *readonly,
	}, nil
}

// fuseFS bridges a mounted volume.Volume to fuseutil.FileSystem. FUSE inode
// IDs are MFT record numbers directly: a single live volume needs no outer
// image-number packing the way a multi-package store does.
type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	vol  *volume.Volume
	opts Options

	mu     sync.Mutex
	inodes map[fuseops.InodeID]*inode.Inode
}

func newFuseFS(vol *volume.Volume, opts Options) *fuseFS {
	return &fuseFS{vol: vol, opts: opts, inodes: make(map[fuseops.InodeID]*inode.Inode)}
}

func (fs *fuseFS) inodeFor(id fuseops.InodeID) (*inode.Inode, error) {
	fs.mu.Lock()
	if ino, ok := fs.inodes[id]; ok {
		fs.mu.Unlock()
		return ino, nil
	}
	fs.mu.Unlock()

	ino, err := inode.Open(fs.vol, uint64(id))
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.inodes[id] = ino
	fs.mu.Unlock()
	return ino, nil
}

// errno maps an ntfserr.Kind to the syscall.Errno FUSE expects.
func errno(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case ntfserr.Is(err, ntfserr.NotFound):
		return syscall.ENOENT
	case ntfserr.Is(err, ntfserr.Exists):
		return syscall.EEXIST
	case ntfserr.Is(err, ntfserr.NoSpace):
		return syscall.ENOSPC
	case ntfserr.Is(err, ntfserr.NameTooLong):
		return syscall.ENAMETOOLONG
	case ntfserr.Is(err, ntfserr.NotEmpty):
		return syscall.ENOTEMPTY
	case ntfserr.Is(err, ntfserr.NotSupported):
		return syscall.ENOTSUP
	case ntfserr.Is(err, ntfserr.ReplayNeeded):
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}

func (fs *fuseFS) attrsFor(ino *inode.Inode) (fuseops.InodeAttributes, error) {
	si, err := ino.StandardInfo()
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	size, err := ino.Size()
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	mode := os.FileMode(0644) &^ fs.opts.Umask
	if ino.IsDir() {
		mode = (os.ModeDir | 0755) &^ fs.opts.Umask
	}
	if si.FileAttributes&inode.AttrReadOnly != 0 {
		mode &^= 0222
	}
	return fuseops.InodeAttributes{
		Size:  uint64(size),
		Nlink: 1,
		Mode:  mode,
		Uid:   fs.opts.UID,
		Gid:   fs.opts.GID,
		Atime: si.ReadTime.Time(),
		Mtime: si.AlterTime.Time(),
		Ctime: si.MFTChangeTime.Time(),
	}, nil
}

func (fs *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = uint32(fs.vol.BytesPerCluster())
	op.IoSize = 65536
	return nil
}

func (fs *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, err := fs.inodeFor(op.Parent)
	if err != nil {
		return errno(err)
	}
	de, err := parent.Lookup(op.Name)
	if err != nil {
		return errno(err)
	}
	child, err := fs.inodeFor(fuseops.InodeID(de.Child.RecordNumber()))
	if err != nil {
		return errno(err)
	}
	attrs, err := fs.attrsFor(child)
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = fuseops.InodeID(de.Child.RecordNumber())
	op.Entry.Attributes = attrs
	return nil
}

func (fs *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	attrs, err := fs.attrsFor(ino)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	if !ino.IsDir() {
		return syscall.ENOTDIR
	}
	return nil
}

func (fs *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	entries, err := ino.Readdir()
	if err != nil {
		return errno(err)
	}
	var dirents []fuseutil.Dirent
	for i, e := range entries {
		if fs.opts.NoHidden && e.Name.Flags&inode.AttrHidden != 0 {
			continue
		}
		// The dup-info carried in $I30 doesn't say directory-or-not reliably
		// across all NTFS versions; let the kernel re-stat via GetInodeAttributes.
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.Child.RecordNumber()),
			Name:   e.Name.Name,
			Type:   fuseutil.DT_Unknown,
		})
	}
	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return syscall.EIO
	}
	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	if ino.IsDir() {
		return syscall.EISDIR
	}
	return nil
}

func (fs *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	n, err := ino.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	entries, err := ino.EAs()
	if err != nil {
		return errno(err)
	}
	for _, e := range entries {
		op.BytesRead += len(e.Name) + 1 // NUL-terminated
	}
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copied := 0
	for _, e := range entries {
		copy(op.Dst[copied:], e.Name)
		copied += len(e.Name) + 1
		op.Dst[copied-1] = 0
	}
	return nil
}

func (fs *fuseFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	ino, err := fs.inodeFor(op.Inode)
	if err != nil {
		return errno(err)
	}
	val, err := ino.GetEA(op.Name)
	if err != nil {
		if ntfserr.Is(err, ntfserr.NotFound) {
			return syscall.ENODATA
		}
		return errno(err)
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

// Mount parses args and mounts the NTFS volume named by the first positional
// argument (after the flags) onto the second,
// returning a join function the caller blocks on (mirrors
// distr1-distri/cmd/distri/fuse.go's Mount/join split).
func Mount(ctx context.Context, args []string) (join func(context.Context) error, err error) {
	devicePath, mountpoint, opts, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	bootBuf := make([]byte, 512)
	if _, err := f.ReadAt(bootBuf, 0); err != nil {
		return nil, xerrors.Errorf("reading boot sector: %w", err)
	}
	boot, err := volume.ParseBootSector(bootBuf)
	if err != nil {
		return nil, err
	}

	mftRunBuf, mftDataSize, err := volume.ProbeMFTRecord0(f, boot)
	if err != nil {
		return nil, xerrors.Errorf("probing $MFT record 0: %w", err)
	}
	totalMFTRecords := mftDataSize / boot.MFTRecordSize()
	totalClusters := int64(boot.TotalSectors) / int64(boot.SectorsPerCluster)

	mftBitmapLCN, mftBitmapLen, err := volume.ProbeMFTBitmap(f, boot)
	if err != nil {
		return nil, xerrors.Errorf("probing $MFT bitmap: %w", err)
	}

	vol, err := volume.Open(f, bootBuf, mftRunBuf, mftDataSize,
		0, 1, // cluster bitmap rebound below, once record 6 is readable
		mftBitmapLCN, mftBitmapLen, totalClusters, totalMFTRecords)
	if err != nil {
		return nil, err
	}

	clusterLCN, clusterLen, err := vol.ProbeClusterBitmap()
	if err != nil {
		return nil, xerrors.Errorf("probing $Bitmap: %w", err)
	}
	vol.RebindClusterBitmap(clusterLCN, clusterLen)

	return mountFUSE(ctx, vol, mountpoint, opts)
}

// RunSignalLoop mirrors distr1-distri's SIGHUP/SIGUSR1 handling: on either
// signal it prints the volume's state to stderr for diagnostics. It returns
// when ctx is cancelled.
func RunSignalLoop(ctx context.Context, vol *volume.Volume) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(c)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-c:
			switch sig {
			case syscall.SIGHUP, syscall.SIGUSR1:
				fmt.Fprintf(os.Stderr, "gontfsmount: state=%v\n", vol.State())
			}
		}
	}
}

// mountFUSE wires a ready *volume.Volume into jacobsa/fuse; Mount calls it
// once the volume is bootstrapped.
func mountFUSE(ctx context.Context, vol *volume.Volume, mountpoint string, opts Options) (join func(context.Context) error, err error) {
	fs := newFuseFS(vol, opts)
	server := fuseutil.NewFileSystemServer(fs)

	cfg := &fuse.MountConfig{
		FSName:   "ntfs",
		ReadOnly: opts.ReadOnly,
		Options: map[string]string{
			"allow_other": "",
		},
	}
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}
	return func(ctx context.Context) error {
		defer syscall.Unmount(mountpoint, unix.MNT_DETACH)
		sigCtx, stopSignals := context.WithCancel(ctx)
		var eg errgroup.Group
		eg.Go(func() error { return RunSignalLoop(sigCtx, vol) })
		eg.Go(func() error {
			defer stopSignals()
			return mfs.Join(ctx)
		})
		return eg.Wait()
	}, nil
}
