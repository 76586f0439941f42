package memhttpd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ContentStore is an in-memory mirror of a directory tree. It is built once and
// is read-only afterwards, so it can be shared by every connection without locking.
type ContentStore struct {
	root     *FolderNode
	rootPath string

	used     int64
	maxBytes int64
}

type StoreOptions struct {
	Detector   TypeDetector
	Compressor Compressor

	// Files at least this large are compressed when loaded.
	CompressMin int64

	// SkipUnreadable logs and skips entries that cannot be read instead of failing the build.
	SkipUnreadable bool

	Logger *zap.Logger
}

type StoreStats struct {
	Used       int64
	Max        int64
	Folders    int
	Raw        int
	Compressed int
	Unloaded   int
}

// BuildStore walks root depth-first and loads every regular file that still fits in
// maxBytes. Files that do not fit stay on disk and are streamed on request.
func BuildStore(root string, maxBytes int64, opts StoreOptions) (*ContentStore, error) {
	if opts.Detector == nil {
		return nil, errors.New("store: no type detector")
	}
	if opts.Compressor == nil {
		return nil, errors.New("store: no compressor")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if maxBytes < 0 {
		return nil, fmt.Errorf("store: negative budget %d", maxBytes)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s: not a directory", abs)
	}

	b := &storeBuilder{opts: opts, maxBytes: maxBytes}
	folder, err := b.buildFolder(abs, filepath.Base(abs))
	if err != nil {
		return nil, err
	}
	return &ContentStore{
		root:     folder,
		rootPath: abs,
		used:     b.used,
		maxBytes: maxBytes,
	}, nil
}

type storeBuilder struct {
	opts     StoreOptions
	maxBytes int64
	used     int64
}

func (b *storeBuilder) buildFolder(dir, name string) (*FolderNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	folder := newFolderNode(name)
	for _, e := range entries {
		entryName := e.Name()
		if entryName == "." || entryName == ".." {
			continue
		}
		p := filepath.Join(dir, entryName)

		switch {
		case e.IsDir():
			sub, err := b.buildFolder(p, entryName)
			if err != nil {
				if b.skip(p, err) {
					continue
				}
				return nil, err
			}
			folder.addSubfolder(sub)
		case e.Type().IsRegular():
			f, err := b.buildFile(p, entryName)
			if err != nil {
				if b.skip(p, err) {
					continue
				}
				return nil, err
			}
			folder.addFile(f)
		default:
			b.opts.Logger.Debug("skipping non-regular entry", zap.String("path", p), zap.Stringer("mode", e.Type()))
		}
	}
	return folder, nil
}

func (b *storeBuilder) skip(path string, err error) bool {
	if !b.opts.SkipUnreadable {
		return false
	}
	b.opts.Logger.Warn("skipping unreadable entry", zap.String("path", path), zap.Error(err))
	return true
}

func (b *storeBuilder) buildFile(path, name string) (*FileNode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()

	typ, err := b.opts.Detector.Detect(path)
	if err != nil {
		return nil, fmt.Errorf("detect type %s: %w", path, err)
	}

	f := &FileNode{
		Name:     name,
		Path:     path,
		Size:     size,
		DiskSize: size,
		Type:     typ,
		State:    Unloaded,
	}
	if b.used+size > b.maxBytes {
		return f, nil
	}

	if size >= b.opts.CompressMin {
		z, err := b.opts.Compressor.Compress(path)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", path, err)
		}
		// Output that does not shrink the file is dropped; the raw copy fits by the
		// check above, compressed output that grew might not.
		if int64(len(z)) < size {
			f.Content = z
			f.Size = int64(len(z))
			f.State = CompressedInMemory
			b.used += f.Size
			return f, nil
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(content)) != size {
		// changed between stat and read; recheck against the budget with the real length
		size = int64(len(content))
		f.DiskSize = size
		f.Size = size
		if b.used+size > b.maxBytes {
			return f, nil
		}
	}
	f.Content = content
	f.State = RawInMemory
	b.used += size
	return f, nil
}

// Find resolves a slash-separated path relative to the store root. Leading slashes
// are ignored; every other component must match exactly.
func (s *ContentStore) Find(path string) (*FileNode, bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, "/")
	dir := s.root
	for _, name := range parts[:len(parts)-1] {
		sub, ok := dir.Subfolder(name)
		if !ok {
			return nil, false
		}
		dir = sub
	}
	return dir.File(parts[len(parts)-1])
}

func (s *ContentStore) Root() *FolderNode { return s.root }
func (s *ContentStore) RootPath() string  { return s.rootPath }
func (s *ContentStore) Used() int64       { return s.used }
func (s *ContentStore) Max() int64        { return s.maxBytes }

func (s *ContentStore) Stats() StoreStats {
	st := StoreStats{Used: s.used, Max: s.maxBytes}
	var walk func(d *FolderNode)
	walk = func(d *FolderNode) {
		st.Folders++
		for _, f := range d.Files {
			switch f.State {
			case RawInMemory:
				st.Raw++
			case CompressedInMemory:
				st.Compressed++
			default:
				st.Unloaded++
			}
		}
		for _, sub := range d.Subfolders {
			walk(sub)
		}
	}
	walk(s.root)
	return st
}

// Dump writes the tree with one line per folder and file.
func (s *ContentStore) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "cache %s: %s used of %s\n", s.rootPath, formatBytes(uint64(s.used)), formatBytes(uint64(s.maxBytes))); err != nil {
		return err
	}
	return dumpFolder(w, s.root, 1)
}

func dumpFolder(w io.Writer, d *FolderNode, depth int) error {
	indent := strings.Repeat("  ", depth)
	if _, err := fmt.Fprintf(w, "%s%s/ (%s)\n", indent, d.Name, formatBytes(uint64(d.Size))); err != nil {
		return err
	}
	for _, f := range d.Files {
		if _, err := fmt.Fprintf(w, "%s  %s [%s, %s, %s, %s]\n", indent, f.Name, f.State, formatBytes(uint64(f.Size)), f.Type, f.Encoding()); err != nil {
			return err
		}
	}
	for _, sub := range d.Subfolders {
		if err := dumpFolder(w, sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}
