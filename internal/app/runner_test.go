package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/erp/dashsync/internal/interfaces/http/stubapi"
	"github.com/erp/dashsync/internal/notification"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
[api]
base_url = %q
prefix = "/api"

[storage]
driver = "sqlite"
sqlite_path = %q

[log]
level = "error"
`, baseURL, filepath.Join(dir, "dashsync.db"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o600))
	return dir
}

func startStub(t *testing.T) (*stubapi.State, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	state := stubapi.NewState(nil)
	engine, err := stubapi.NewRouter(stubapi.Config{
		Prefix:    "/api",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Username:  "ops",
		Password:  "pw",
	}, state, zap.NewNop(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return state, srv.URL
}

func TestRunner_LoginThenWatchOnce(t *testing.T) {
	state, url := startStub(t)
	dir := writeConfig(t, url)
	ctx := context.Background()

	var out bytes.Buffer
	r := NewRunner(&out, WithLogger(zap.NewNop()))

	err := r.Login(ctx, LoginOptions{ConfigPath: dir, Username: "ops", Password: "bad"})
	assert.ErrorIs(t, err, ErrLoginFailed)

	require.NoError(t, r.Login(ctx, LoginOptions{ConfigPath: dir, Username: "ops", Password: "pw"}))
	assert.Contains(t, out.String(), "logged in as ops")

	state.Bump(notification.CategoryInvoices, 2)
	state.Touch("tickets")

	out.Reset()
	require.NoError(t, r.Watch(ctx, WatchOptions{ConfigPath: dir, Once: true}))
	assert.Contains(t, out.String(), "counts invoices=2 chat=0 tickets=0 invoiceRequests=0 requests=0 total=2")
	assert.Contains(t, out.String(), "activity invoices=true tickets=true")

	out.Reset()
	require.NoError(t, r.Logout(ctx, dir))
	assert.Contains(t, out.String(), "logged out")

	out.Reset()
	require.NoError(t, r.Watch(ctx, WatchOptions{ConfigPath: dir, Once: true}))
	assert.Contains(t, out.String(), "counts invoices=0", "signed out session cannot read counts")
}

func TestRunner_WatchUntilCancelled(t *testing.T) {
	state, url := startStub(t)
	dir := writeConfig(t, url)
	state.Bump(notification.CategoryChat, 1)

	var out syncBuffer
	r := NewRunner(&out, WithLogger(zap.NewNop()))
	require.NoError(t, r.Login(context.Background(), LoginOptions{ConfigPath: dir, Username: "ops", Password: "pw"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, WatchOptions{ConfigPath: dir}) }()

	require.Eventually(t, func() bool { return bytes.Contains(out.Bytes(), []byte("chat=1")) }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
