package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/model"
)

func TestScriptLauncher_Launch(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "launched")
	script := "#!/bin/sh\necho \"$1 $2 $3 $4 $NODE_NAME\" > " + out + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.sh"), []byte(script), 0o755))

	l, err := NewScriptLauncher("script.sh", dir, nil, zap.NewNop())
	require.NoError(t, err)

	node := model.NewNode("server-1", "localhost", 5001)
	node.CacheSize = 100
	node.EvictionPolicy = "LRU"
	require.NoError(t, l.Launch(context.Background(), node))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(data)) == dir+" 5001 100 LRU server-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewScriptLauncher_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := NewScriptLauncher("missing.sh", dir, nil, zap.NewNop())
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.sh"), []byte("#!/bin/sh\n"), 0o644))
	_, err = NewScriptLauncher("plain.sh", dir, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestScriptLauncher_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.sh"), []byte("#!/bin/sh\n"), 0o755))
	l, err := NewScriptLauncher("script.sh", dir, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Launch(ctx, model.NewNode("a", "localhost", 5000)), context.Canceled)
}
