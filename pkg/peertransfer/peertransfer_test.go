package peertransfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cacheDir, password string) *Server {
	t.Helper()
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", CacheDir: cacheDir, Password: password}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestFetchFile(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "blob"), []byte("hello peer"), 0644))

	srv := startTestServer(t, cacheDir, "")

	dest := filepath.Join(t.TempDir(), "out")
	err := Fetch(srv.Addr(), "", "blob", dest, 5*time.Second)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello peer", string(got))
}

func TestFetchDir(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cacheDir, "tree", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "tree", "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "tree", "sub", "b.txt"), []byte("b"), 0644))

	srv := startTestServer(t, cacheDir, "")

	dest := filepath.Join(t.TempDir(), "out")
	err := Fetch(srv.Addr(), "", "tree", dest, 5*time.Second)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "a", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "b", string(got))
}

func TestFetchMissingNameFails(t *testing.T) {
	cacheDir := t.TempDir()
	srv := startTestServer(t, cacheDir, "")

	err := Fetch(srv.Addr(), "", "no-such-name", filepath.Join(t.TempDir(), "out"), 5*time.Second)
	require.Error(t, err)
}

func TestFetchWithPasswordAuth(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "blob"), []byte("secret bytes"), 0644))

	srv := startTestServer(t, cacheDir, "s3cr3t")

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Fetch(srv.Addr(), "s3cr3t", "blob", dest, 5*time.Second))

	err := Fetch(srv.Addr(), "wrong", "blob", filepath.Join(t.TempDir(), "out2"), 5*time.Second)
	require.Error(t, err)
}

func TestConcurrencyCapSizesSemaphore(t *testing.T) {
	cacheDir := t.TempDir()
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", CacheDir: cacheDir, MaxConcurrent: 1}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, cap(srv.sem))
}
