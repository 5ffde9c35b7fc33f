package chroot_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/effective-security/toolbelt/chroot"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Resolve(t *testing.T) {
	root, err := chroot.New(filepath.Join(t.TempDir(), chroot.Docs))
	require.NoError(t, err)

	abs, err := root.Resolve("notes/x.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Base(), "notes", "x.txt"), abs)

	tcases := []string{
		"",
		"../escape.txt",
		"a/../../escape.txt",
		"/etc/passwd",
	}
	for _, rel := range tcases {
		_, err := root.Resolve(rel)
		require.Error(t, err, "path %q", rel)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
}

func Test_Resolve_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	base := t.TempDir()
	root, err := chroot.New(filepath.Join(base, "files"))
	require.NoError(t, err)

	outside := filepath.Join(base, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root.Base(), "link.txt")))

	_, err = root.Resolve("link.txt")
	require.Error(t, err)
	assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
}

func Test_ReadWrite(t *testing.T) {
	root, err := chroot.New(filepath.Join(t.TempDir(), chroot.Files))
	require.NoError(t, err)

	_, err = root.WriteFile("sub/dir/file.bin", []byte{1, 2, 3})
	require.NoError(t, err)

	bs, err := root.ReadFile("sub/dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, bs)

	_, err = root.ReadFile("missing.txt")
	require.Error(t, err)
	assert.Equal(t, envelope.KindNotFound, envelope.Classify(err).Kind)
}
