package wireproto

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	var buf bytes.Buffer
	require.NoError(t, WriteTree(&buf, src))

	dst := t.TempDir()
	require.NoError(t, ReadTree(bufio.NewReader(&buf), dst))

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	require.Equal(t, "a.txt", target)
}

func TestReadTreeRejectsPathEscape(t *testing.T) {
	dst := t.TempDir()
	malicious := "file ../escape.txt 5 0644\nhello"
	err := ReadTree(bufio.NewReader(bytes.NewBufferString(malicious)), dst)
	require.Error(t, err)
}
