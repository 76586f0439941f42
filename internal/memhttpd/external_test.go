package memhttpd

import (
	"bytes"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipCompressorRoundTrip(t *testing.T) {
	body := strings.Repeat("compress me please ", 50)
	root := writeTree(t, map[string]string{"f.txt": body})

	z, err := GzipCompressor{Level: gzip.BestCompression}.Compress(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Less(t, len(z), len(body))

	zr, err := gzip.NewReader(bytes.NewReader(z))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestMimeDetector(t *testing.T) {
	root := writeTree(t, map[string]string{
		"page.html": "<!DOCTYPE html><html><body>hi</body></html>",
		"note.txt":  "just some text\n",
	})
	typ, err := MimeDetector{}.Detect(filepath.Join(root, "page.html"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(typ, "text/html"), typ)

	typ, err = MimeDetector{}.Detect(filepath.Join(root, "note.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(typ, "text/plain"), typ)

	_, err = MimeDetector{}.Detect(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestBuiltinBackends(t *testing.T) {
	d, err := NewTypeDetector("builtin")
	require.NoError(t, err)
	assert.IsType(t, MimeDetector{}, d)

	c, err := NewCompressor("")
	require.NoError(t, err)
	assert.IsType(t, GzipCompressor{}, c)

	_, err = NewTypeDetector("no-such-binary-memhttpd --flag")
	assert.Error(t, err)
	_, err = NewCompressor("no-such-binary-memhttpd")
	assert.Error(t, err)
}

func TestCommandAdapters(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	root := writeTree(t, map[string]string{
		"type.txt": "application/x-test\nsecond line\n",
		"blank":    "\n",
	})

	d, err := NewTypeDetector("cat")
	require.NoError(t, err)
	typ, err := d.Detect(filepath.Join(root, "type.txt"))
	require.NoError(t, err)
	assert.Equal(t, "application/x-test", typ)

	_, err = d.Detect(filepath.Join(root, "blank"))
	assert.Error(t, err)

	// a failing child is an error, not empty output
	_, err = d.Detect(filepath.Join(root, "missing"))
	assert.Error(t, err)

	c, err := NewCompressor("cat -")
	require.NoError(t, err)
	cc, ok := c.(CommandCompressor)
	require.True(t, ok)
	assert.Equal(t, []string{"cat", "-"}, cc.Argv)

	out, err := CommandCompressor{Argv: []string{"cat"}}.Compress(filepath.Join(root, "type.txt"))
	require.NoError(t, err)
	assert.Equal(t, "application/x-test\nsecond line\n", string(out))
}
