package build

import (
	"context"
	"fmt"
	"os"
)

// Env is an acquired isolated workspace. Close tears it down and must be
// called on every path.
type Env interface {
	Dir() string
	Close() error
}

// Sandbox hands out isolated workspaces, one per build invocation.
type Sandbox interface {
	Acquire(ctx context.Context) (Env, error)
}

// TempSandbox gives every invocation a fresh temporary directory.
type TempSandbox struct {
	// BaseDir is the parent directory; empty means os.TempDir.
	BaseDir string
}

func (s *TempSandbox) Acquire(ctx context.Context) (Env, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.BaseDir != "" {
		if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.BaseDir, "pkgforge-build-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return &tempEnv{dir: dir}, nil
}

type tempEnv struct {
	dir string
}

func (e *tempEnv) Dir() string { return e.dir }

func (e *tempEnv) Close() error {
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", e.dir, err)
	}
	return nil
}
