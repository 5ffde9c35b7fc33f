package toolbelt_test

import (
	"context"
	"testing"

	toolbelt "github.com/effective-security/toolbelt"
	"github.com/effective-security/toolbelt/tools/fileeditor"
	"github.com/effective-security/toolbelt/tools/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewCatalog(t *testing.T) {
	d, err := toolbelt.NewCatalog(context.Background(), toolbelt.Config{
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)

	specs := d.ListSpecs()
	require.Len(t, specs, 11)

	names := make(map[string]bool, len(specs))
	for _, spec := range specs {
		require.NotEmpty(t, spec.Name)
		require.NotEmpty(t, spec.Description)
		names[spec.Name] = true
	}
	for _, want := range []string{
		"academic_search",
		"file_editor",
		"github_repo",
		"imap_mail",
		"local_model",
		"news_search",
		"sftp_files",
		"true_random",
		"vessel_tracker",
		"weather",
		"webhook_post",
	} {
		assert.True(t, names[want], "missing tool %q", want)
	}
}

func Test_NewCatalog_InvokeRoundTrip(t *testing.T) {
	d, err := toolbelt.NewCatalog(context.Background(), toolbelt.Config{
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)

	env := d.Invoke(context.Background(), fileeditor.ToolName, map[string]any{
		"operation": "create",
		"path":      "notes.txt",
		"content":   "hello",
	})
	require.Equal(t, true, env["success"], "envelope: %v", env)

	env = d.Invoke(context.Background(), fileeditor.ToolName, map[string]any{
		"operation": "read",
		"path":      "notes.txt",
	})
	require.Equal(t, true, env["success"], "envelope: %v", env)
	assert.Contains(t, env["content"], "hello")
}

func Test_NewCatalog_RedisBackend(t *testing.T) {
	// the redis client connects lazily; construction must succeed without a
	// reachable server
	d, err := toolbelt.NewCatalog(context.Background(), toolbelt.Config{
		DataDir:   t.TempDir(),
		RedisAddr: "localhost:6379",
	})
	require.NoError(t, err)
	assert.Len(t, d.ListSpecs(), 11)
}

func Test_NewCatalog_DuplicateRegistration(t *testing.T) {
	d, err := toolbelt.NewCatalog(context.Background(), toolbelt.Config{
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)

	err = d.Register(weather.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}
