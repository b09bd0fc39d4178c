package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/erp/dashsync/internal/app"
	"github.com/stretchr/testify/assert"
)

type failingApp struct{}

func (failingApp) Login(context.Context, app.LoginOptions) error { return errors.New("boom") }
func (failingApp) Logout(context.Context, string) error          { return nil }
func (failingApp) Watch(context.Context, app.WatchOptions) error { return nil }
func (failingApp) ServeStub(context.Context, string) error       { return nil }

func TestRun_ExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 0, run(context.Background(), []string{"watch"}, &stdout, &stderr, failingApp{}))

	code := run(context.Background(), []string{"login", "-u", "ops", "-p", "x"}, &stdout, &stderr, failingApp{})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Error: boom")
}
