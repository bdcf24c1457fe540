package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrei-cloud/go_fcgid/internal/config"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Monitor.Root = root
	cfg.Server.Workers = 2

	return cfg
}

func TestAppRunsScripts(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/www/page.lua", []byte(`function main() Send("lua") end`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/www/page.js", []byte(`function main() { Send("js") }`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/www/page.py", []byte(`print("py")`), 0o644))

	ctx := context.Background()
	a, err := NewWithFs(ctx, testConfig(t, "/www"), fsys)
	require.NoError(t, err)
	assert.Nil(t, a.Watcher)

	for _, tt := range []struct{ path, want string }{
		{"/www/page.lua", "lua"},
		{"/www/page.js", "js"},
	} {
		opts, err := a.ServerOptions()
		require.NoError(t, err)

		out, err := a.Workers.Submit(ctx, &statepool.Request{Script: opts.Key(tt.path)})
		require.NoError(t, err)
		require.Equal(t, statepool.Success, out.Kind, out.Message)
		assert.Equal(t, tt.want, string(out.Response.Body()))
		out.Response.Release()
	}

	out, err := a.Workers.Submit(ctx, &statepool.Request{Script: "/page.py"})
	require.NoError(t, err)
	assert.Equal(t, statepool.Failure, out.Kind)

	require.NoError(t, a.Close(ctx))
	assert.Equal(t, uint64(3), a.Pool.Stats().Requests)
}

func TestAppServerOptions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "/srv")
	a, err := NewWithFs(context.Background(), cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	defer a.Close(context.Background())

	opts, err := a.ServerOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), opts.MaxPost)
	assert.Equal(t, [][2]string{{"X-Powered-By", "go_fcgid"}}, opts.Headers)
	assert.Equal(t, "/a/b.lua", opts.Key("/srv/a/b.lua"))
}

func TestAppWatcherInvalidates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "w.lua")
	require.NoError(t, os.WriteFile(path, []byte(`function main() Send("v1") end`), 0o644))

	cfg := testConfig(t, root)
	cfg.Monitor.Watch = true
	cfg.Monitor.Interval = time.Hour

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NotNil(t, a.Watcher)

	// An editor may expose a truncated file for a moment; such runs fail
	// and report an empty body.
	run := func() string {
		out, err := a.Workers.Submit(ctx, &statepool.Request{Script: "/w.lua"})
		if err != nil || out.Kind != statepool.Success {
			return ""
		}
		defer out.Response.Release()
		return string(out.Response.Body())
	}
	assert.Equal(t, "v1", run())

	require.NoError(t, os.WriteFile(path, []byte(`function main() Send("v2") end`), 0o644))
	assert.Eventually(t, func() bool { return run() == "v2" }, 5*time.Second, 20*time.Millisecond)
}

func TestAppMissingPrelude(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "/www")
	cfg.Pool.Prelude = filepath.Join(t.TempDir(), "missing.lua")

	_, err := NewWithFs(context.Background(), cfg, afero.NewMemMapFs())
	assert.ErrorContains(t, err, "read prelude")
}
