package commands_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/erp/dashsync/cmd/dashsync/commands"
	"github.com/erp/dashsync/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	login     *app.LoginOptions
	logout    string
	watch     *app.WatchOptions
	stub      string
	stubCalls int
	err       error
}

func (m *mockApp) Login(_ context.Context, opts app.LoginOptions) error {
	m.login = &opts
	return m.err
}

func (m *mockApp) Logout(_ context.Context, configPath string) error {
	m.logout = configPath
	return m.err
}

func (m *mockApp) Watch(_ context.Context, opts app.WatchOptions) error {
	m.watch = &opts
	return m.err
}

func (m *mockApp) ServeStub(_ context.Context, configPath string) error {
	m.stub = configPath
	m.stubCalls++
	return m.err
}

func execute(t *testing.T, m *mockApp, args ...string) (string, error) {
	t.Helper()
	cli := commands.New(m)
	buf := new(bytes.Buffer)
	cli.SetOutput(buf, buf)
	cli.SetArgs(args)
	err := cli.Execute(context.Background())
	return buf.String(), err
}

func TestWatch(t *testing.T) {
	m := &mockApp{}
	_, err := execute(t, m, "watch", "--once", "--config-dir", "/etc/dashsync")
	require.NoError(t, err)
	require.NotNil(t, m.watch)
	assert.True(t, m.watch.Once)
	assert.Equal(t, "/etc/dashsync", m.watch.ConfigPath)
}

func TestLogin(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		m := &mockApp{}
		_, err := execute(t, m, "login", "-u", "ops", "-p", "pw")
		require.NoError(t, err)
		require.NotNil(t, m.login)
		assert.Equal(t, "ops", m.login.Username)
		assert.Equal(t, "pw", m.login.Password)
	})

	t.Run("password from environment", func(t *testing.T) {
		t.Setenv("DASHSYNC_PASSWORD", "from-env")
		m := &mockApp{}
		_, err := execute(t, m, "login", "--username", "ops")
		require.NoError(t, err)
		assert.Equal(t, "from-env", m.login.Password)
	})

	t.Run("missing password", func(t *testing.T) {
		t.Setenv("DASHSYNC_PASSWORD", "")
		m := &mockApp{}
		_, err := execute(t, m, "login", "--username", "ops")
		require.Error(t, err)
		assert.Nil(t, m.login)
	})

	t.Run("missing username", func(t *testing.T) {
		m := &mockApp{}
		_, err := execute(t, m, "login", "-p", "pw")
		require.Error(t, err)
		assert.Nil(t, m.login)
	})

	t.Run("application error", func(t *testing.T) {
		m := &mockApp{err: errors.New("login failed: Invalid username or password")}
		_, err := execute(t, m, "login", "-u", "ops", "-p", "bad")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid username or password")
	})
}

func TestLogoutAndStub(t *testing.T) {
	m := &mockApp{}
	_, err := execute(t, m, "logout", "-c", "conf")
	require.NoError(t, err)
	assert.Equal(t, "conf", m.logout)

	_, err = execute(t, m, "stub-api")
	require.NoError(t, err)
	assert.Equal(t, 1, m.stubCalls)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, &mockApp{}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dashsync version")
}

func TestUnknownArgs(t *testing.T) {
	m := &mockApp{}
	_, err := execute(t, m, "watch", "extra")
	require.Error(t, err)
	assert.Nil(t, m.watch)
}
