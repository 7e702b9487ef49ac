package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRequestAndUser(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := &Logger{Logger: zap.New(core)}

	ctx := context.WithValue(context.Background(), RequestIdKey, "req-1")
	ctx = context.WithValue(ctx, UserIdKey, "user-1")
	l.WithContext(ctx).Info("handled")
	l.Named("keys").Info("refill")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "user-1", fields["user_id"])
	assert.Equal(t, "keys", entries[1].ContextMap()["component"])
}

func TestNewWithOptionsWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	l, err := NewWithOptions(Options{Mode: ProductionMode, FilePath: path})
	require.NoError(t, err)

	l.Infof("started on %s", "8080")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "started on 8080")
}
