package script

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/actor"
)

const echoScript = `
ev := event
if ev.kind == "start" {
	arbor.set_env("echo.booted", "1")
}
if ev.kind == "message" {
	arbor.response(ev.sender, ev.session, "pong")
}
`

func newScriptServer(t *testing.T) *actor.Server {
	t.Helper()
	node := &config.Node{Name: "script-test", Thread: 2, LogLevel: "error"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := actor.NewServer(node, logger)
	srv.RegisterType("script", NewFactory(logger))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func writeScript(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.tengo")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestScriptServiceEchoesCalls(t *testing.T) {
	srv := newScriptServer(t)

	svcCfg := &config.Service{Name: "echo", Type: "script", File: writeScript(t, echoScript)}
	var echoID uint32
	type outcome struct {
		reply []any
		err   error
	}
	results := make(chan outcome, 1)

	srv.RegisterType("driver", func(*actor.Context, *config.Service) (actor.Callbacks, error) {
		return actor.Callbacks{
			Start: func(ctx *actor.Context) {
				id, err := ctx.NewService(svcCfg, 0)
				if err != nil {
					results <- outcome{err: err}
					return
				}
				echoID = id
				reply, err := ctx.Call("data", id, 2*time.Second, "ping")
				results <- outcome{reply: reply, err: err}
			},
		}, nil
	})

	_, err := srv.Router().NewServiceSync(&config.Service{Name: "driver", Type: "driver"}, 0)
	require.NoError(t, err)

	select {
	case out := <-results:
		require.NoError(t, out.err)
		require.Len(t, out.reply, 1)
		assert.Equal(t, "pong", out.reply[0])
	case <-time.After(5 * time.Second):
		t.Fatal("script call never resumed")
	}
	assert.NotZero(t, echoID)

	// The start event ran inside the sandbox.
	v, ok := srv.Router().GetEnv("echo.booted")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestScriptFactoryRejectsBadSource(t *testing.T) {
	srv := newScriptServer(t)

	svcCfg := &config.Service{
		Name: "broken",
		Type: "script",
		File: writeScript(t, "this is not tengo ((("),
	}
	_, err := srv.Router().NewServiceSync(svcCfg, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestScriptFactoryMissingFile(t *testing.T) {
	srv := newScriptServer(t)
	_, err := srv.Router().NewServiceSync(&config.Service{
		Name: "ghost",
		Type: "script",
		File: filepath.Join(t.TempDir(), "missing.tengo"),
	}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}
