package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/registry"
)

func TestResolveAndCacheLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.o")
	require.NoError(t, os.WriteFile(path, []byte("ELF"), 0o644))

	m := New(dir, nil)
	resolved, err := m.ResolveAndCache(registry.Location{LocalPath: path})
	require.NoError(t, err)
	require.Equal(t, path, resolved)
}

func TestResolveAndCacheMissingLocalPath(t *testing.T) {
	m := New(t.TempDir(), nil)
	_, err := m.ResolveAndCache(registry.Location{LocalPath: "/nonexistent/prog.o"})
	require.Error(t, err)
}

type fakePuller struct {
	calls int
}

func (p *fakePuller) Pull(ref string, creds Credentials, localPath string) error {
	p.calls++
	return os.WriteFile(localPath, []byte("pulled:"+ref), 0o644)
}

func TestResolveAndCachePullsImageOnceUnderIfNotPresent(t *testing.T) {
	puller := &fakePuller{}
	m := New(t.TempDir(), puller)
	loc := registry.Location{ImageRef: "example.com/repo:tag", PullPolicy: string(PullIfNotPresent)}

	path1, err := m.ResolveAndCache(loc)
	require.NoError(t, err)
	path2, err := m.ResolveAndCache(loc)
	require.NoError(t, err)

	require.Equal(t, path1, path2)
	require.Equal(t, 1, puller.calls)
}

func TestResolveAndCachePullAlwaysRefetches(t *testing.T) {
	puller := &fakePuller{}
	m := New(t.TempDir(), puller)
	loc := registry.Location{ImageRef: "example.com/repo:tag", PullPolicy: string(PullAlways)}

	_, err := m.ResolveAndCache(loc)
	require.NoError(t, err)
	_, err = m.ResolveAndCache(loc)
	require.NoError(t, err)

	require.Equal(t, 2, puller.calls)
}

func TestResolveAndCachePullNeverWithoutCacheFails(t *testing.T) {
	m := New(t.TempDir(), &fakePuller{})
	loc := registry.Location{ImageRef: "example.com/repo:tag", PullPolicy: string(PullNever)}
	_, err := m.ResolveAndCache(loc)
	require.Error(t, err)
}

func TestParsePullPolicyDefaultsToIfNotPresent(t *testing.T) {
	p, err := ParsePullPolicy("")
	require.NoError(t, err)
	require.Equal(t, PullIfNotPresent, p)

	_, err = ParsePullPolicy("sometimes")
	require.Error(t, err)
}

func TestReadBytecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.o")
	want := []byte("\x7fELF-fake-bytecode")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	m := New(dir, nil)
	got, err := m.ReadBytecode(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
