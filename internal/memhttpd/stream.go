package memhttpd

import (
	"fmt"
	"io"
	"os"
)

const streamChunkSize = 32 * 1024

// diskStream sends a file that was left on disk. The file is opened on first use and
// at most one chunk is held in memory.
type diskStream struct {
	path   string
	size   int64
	offset int64 // file offset of the next chunk read

	file  *os.File
	chunk *cursorBuffer
}

func newDiskStream(path string, size int64) *diskStream {
	return &diskStream{path: path, size: size}
}

// pending returns the next bytes to send, reading a new chunk once the previous one is
// drained. It returns nil when the whole file has been handed out.
func (s *diskStream) pending() ([]byte, error) {
	if s.chunk != nil && len(s.chunk.remaining()) > 0 {
		return s.chunk.remaining(), nil
	}
	if s.offset >= s.size {
		return nil, nil
	}
	if s.file == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", s.path, err)
		}
		s.file = f
		n := s.size
		if n > streamChunkSize {
			n = streamChunkSize
		}
		s.chunk = newCursorBuffer(int(n))
	}

	s.chunk.reset()
	want := s.size - s.offset
	if want > int64(len(s.chunk.buf)) {
		want = int64(len(s.chunk.buf))
	}
	n, err := s.file.ReadAt(s.chunk.buf[:want], s.offset)
	if n == 0 && err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s: file shrank to %d bytes, %d announced", s.path, s.offset, s.size)
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	s.chunk.fill(n)
	s.offset += int64(n)
	return s.chunk.remaining(), nil
}

func (s *diskStream) advance(n int) { s.chunk.advance(n) }

func (s *diskStream) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
