package memhttpd

// LoadState tells whether a file's bytes are resident or must be streamed from disk.
type LoadState uint8

const (
	Unloaded LoadState = iota
	RawInMemory
	CompressedInMemory
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case RawInMemory:
		return "raw"
	case CompressedInMemory:
		return "compressed"
	}
	return "unknown"
}

const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
)

type FileNode struct {
	Name string
	Path string // absolute source path

	// Size is the number of bytes a response body carries: the compressed length for
	// CompressedInMemory files, the on-disk length otherwise.
	Size     int64
	DiskSize int64

	Type  string // MIME type
	State LoadState

	// Content is nil for Unloaded files.
	Content []byte
}

// Encoding is the Content-Encoding a response for this file carries.
func (f *FileNode) Encoding() string {
	if f.State == CompressedInMemory {
		return EncodingGzip
	}
	return EncodingIdentity
}

type FolderNode struct {
	Name string
	Size int64 // sum over children

	Files      []*FileNode
	Subfolders []*FolderNode

	// name indexes; lookups behave exactly like a linear scan over the slices
	files      map[string]*FileNode
	subfolders map[string]*FolderNode
}

func newFolderNode(name string) *FolderNode {
	return &FolderNode{
		Name:       name,
		files:      map[string]*FileNode{},
		subfolders: map[string]*FolderNode{},
	}
}

func (d *FolderNode) addFile(f *FileNode) {
	d.Files = append(d.Files, f)
	d.files[f.Name] = f
	d.Size += f.Size
}

func (d *FolderNode) addSubfolder(sub *FolderNode) {
	d.Subfolders = append(d.Subfolders, sub)
	d.subfolders[sub.Name] = sub
	d.Size += sub.Size
}

func (d *FolderNode) File(name string) (*FileNode, bool) {
	f, ok := d.files[name]
	return f, ok
}

func (d *FolderNode) Subfolder(name string) (*FolderNode, bool) {
	sub, ok := d.subfolders[name]
	return sub, ok
}
