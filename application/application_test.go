package application

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_ConfigPriority(t *testing.T) {
	envPath := writeConfig(t, "server:\n  http_addr: \":1111\"\n")
	cliPath := writeConfig(t, "server:\n  http_addr: \":2222\"\n")
	t.Setenv(EnvLogEnable, "false")

	t.Run("env", func(t *testing.T) {
		t.Setenv(EnvConfigFile, envPath)
		app := New(WithArgs(nil))
		require.NoError(t, app.Run())
		assert.Equal(t, envPath, app.Config().ConfigFileUsed())
	})

	t.Run("cli overrides env", func(t *testing.T) {
		t.Setenv(EnvConfigFile, envPath)
		app := New(WithArgs([]string{"--config", cliPath}))
		require.NoError(t, app.Run())
		assert.Equal(t, cliPath, app.Config().ConfigFileUsed())

		app = New(WithArgs([]string{"--config=" + cliPath}))
		require.NoError(t, app.Run())
		assert.Equal(t, cliPath, app.Config().ConfigFileUsed())
	})
}

func TestRun_MissingFiles(t *testing.T) {
	t.Setenv(EnvLogEnable, "false")
	t.Chdir(t.TempDir())

	// 默认路径不存在时只使用默认值。
	app := New(WithArgs(nil))
	require.NoError(t, app.Run())
	assert.Empty(t, app.Config().ConfigFileUsed())

	app = New(WithArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))
	require.Error(t, app.Run())

	app = New(WithArgs([]string{"--config"}))
	require.Error(t, app.Run())
}

func TestRun_ModuleLoggers(t *testing.T) {
	t.Setenv(EnvLogEnable, "false")
	path := writeConfig(t, "logging:\n  broadcast:\n    level: debug\n")
	app := New(WithArgs([]string{"--config", path}))
	require.NoError(t, app.Run())

	lg := app.Logger("broadcast")
	require.NotNil(t, lg)
	assert.Same(t, lg, app.Logger("broadcast"))
	assert.NotNil(t, app.Logger("unknown"))
}

func TestShutdown_ReverseOrderOnce(t *testing.T) {
	app := New(WithArgs(nil))
	var order []int
	boom := errors.New("boom")
	app.OnShutdown(func(context.Context) error { order = append(order, 1); return nil })
	app.OnShutdown(func(context.Context) error { order = append(order, 2); return boom })
	app.OnShutdown(func(context.Context) error { order = append(order, 3); return nil })

	err := app.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{3, 2, 1}, order)

	require.NoError(t, app.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestWait_SignalHandlers(t *testing.T) {
	app := New(WithArgs(nil))
	kinds := make(chan SignalKind, 4)
	app.OnSignal(func(kind SignalKind, _ os.Signal) { kinds <- kind })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Wait(ctx)
		close(done)
	}()

	// 直接分发，避免向测试进程发送真实信号。
	app.dispatch(SignalReload, syscall.SIGHUP)
	assert.Equal(t, SignalReload, <-kinds)
	cancel()
	<-done

	assert.Equal(t, SignalReload, classify(syscall.SIGHUP))
	assert.Equal(t, SignalShutdown, classify(syscall.SIGTERM))
	assert.Equal(t, SignalShutdown, classify(os.Interrupt))
	assert.Equal(t, "reload", SignalReload.String())
}

func TestBuildVersion(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v1.2.3"
	assert.Equal(t, "1.2.3", BuildVersion().String())
	Version = "dev"
	assert.Equal(t, "0.0.0", BuildVersion().String())
}
