package memhttpd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
)

// TypeDetector reports the MIME type of a file on disk.
type TypeDetector interface {
	Detect(path string) (string, error)
}

// Compressor returns the gzip-compatible compressed form of a file on disk.
type Compressor interface {
	Compress(path string) ([]byte, error)
}

// NewTypeDetector returns the in-process detector for "builtin", otherwise a detector
// running the given command line with the file path appended.
func NewTypeDetector(backend string) (TypeDetector, error) {
	argv := strings.Fields(backend)
	if len(argv) == 0 || backend == builtinBackend {
		return MimeDetector{}, nil
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("type detector: %w", err)
	}
	return CommandDetector{Argv: argv}, nil
}

// NewCompressor is NewTypeDetector's counterpart for compression.
func NewCompressor(backend string) (Compressor, error) {
	argv := strings.Fields(backend)
	if len(argv) == 0 || backend == builtinBackend {
		return GzipCompressor{Level: gzip.BestCompression}, nil
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("compressor: %w", err)
	}
	return CommandCompressor{Argv: argv}, nil
}

type MimeDetector struct{}

func (MimeDetector) Detect(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

type GzipCompressor struct {
	Level int
}

func (c GzipCompressor) Compress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(zw, f); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CommandDetector runs a one-shot child such as `file --brief --mime-type` and keeps
// the first line of its output.
type CommandDetector struct {
	Argv []string
}

func (d CommandDetector) Detect(path string) (string, error) {
	out, err := runReadable(d.Argv, path)
	if err != nil {
		return "", err
	}
	line, _, _ := bytes.Cut(out, []byte{'\n'})
	mt := strings.TrimSpace(string(line))
	if mt == "" {
		return "", fmt.Errorf("%s: empty type for %s", d.Argv[0], path)
	}
	return mt, nil
}

// CommandCompressor runs a one-shot child such as `gzip -c -9` and takes everything it
// writes until the pipe closes.
type CommandCompressor struct {
	Argv []string
}

func (c CommandCompressor) Compress(path string) ([]byte, error) {
	return runReadable(c.Argv, path)
}

func runReadable(argv []string, path string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	args := append(append([]string(nil), argv[1:]...), path)
	cmd := exec.Command(argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", argv[0], path, err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", argv[0], path, err)
	}
	return out, nil
}
