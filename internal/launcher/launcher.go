package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/model"
)

// Launcher brings up the storage server process of a node.
type Launcher interface {
	Launch(ctx context.Context, node model.Node) error
}

// ScriptLauncher runs "<script> <workDir> <port> <cacheSize> <evictionPolicy>" with the
// node identity exported as NODE_NAME, NODE_HOST, NODE_PORT, CACHE_SIZE and
// EVICTION_POLICY. The script is expected to background the server and exit.
type ScriptLauncher struct {
	script  string
	workDir string
	env     []string
	logger  *zap.Logger
}

// NewScriptLauncher resolves script relative to workDir. extraEnv is appended to the
// coordinator's environment for every launch.
func NewScriptLauncher(script, workDir string, extraEnv []string, logger *zap.Logger) (*ScriptLauncher, error) {
	if !filepath.IsAbs(script) {
		script = filepath.Join(workDir, script)
	}
	info, err := os.Stat(script)
	if err != nil {
		return nil, fmt.Errorf("launch script: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("launch script %s is not executable", script)
	}

	return &ScriptLauncher{
		script:  script,
		workDir: workDir,
		env:     extraEnv,
		logger:  logger,
	}, nil
}

// Launch starts the script and returns once it is running. Its exit is reaped in
// the background.
func (l *ScriptLauncher) Launch(ctx context.Context, node model.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(l.script,
		l.workDir,
		strconv.Itoa(node.Port),
		strconv.Itoa(node.CacheSize),
		node.EvictionPolicy,
	)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Env = append(cmd.Env,
		"NODE_NAME="+node.Name,
		"NODE_HOST="+node.Host,
		"NODE_PORT="+strconv.Itoa(node.Port),
		"CACHE_SIZE="+strconv.Itoa(node.CacheSize),
		"EVICTION_POLICY="+node.EvictionPolicy,
	)

	l.logger.Info("Launching storage server",
		zap.String("node", node.Name),
		zap.String("script", l.script),
		zap.Int("port", node.Port))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", node.Name, err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Error("Launch script exited abnormally",
				zap.String("node", node.Name),
				zap.Error(err))
			return
		}
		l.logger.Debug("Launch script finished", zap.String("node", node.Name))
	}()

	return nil
}

// NoopLauncher launches nothing. Used when servers are supervised externally.
type NoopLauncher struct {
	logger *zap.Logger
}

// NewNoopLauncher creates a launcher that only logs
func NewNoopLauncher(logger *zap.Logger) *NoopLauncher {
	return &NoopLauncher{logger: logger}
}

// Launch logs the node and returns
func (l *NoopLauncher) Launch(ctx context.Context, node model.Node) error {
	l.logger.Info("Storage server expected to be started externally",
		zap.String("node", node.Name),
		zap.String("address", node.Address()))
	return nil
}
