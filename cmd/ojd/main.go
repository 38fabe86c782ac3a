// Command ojd is the per-project orchestration daemon: it loads a
// validated runbook, opens the project's WAL store, and serves the Unix
// socket IPC protocol until told to shut down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alfredjean/ojd/internal/core/scheduling"
	"github.com/alfredjean/ojd/internal/daemon"
	"github.com/alfredjean/ojd/internal/runtime"
	"github.com/alfredjean/ojd/internal/runtime/adapters"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ojd:", err)
		os.Exit(1)
	}
}

func run() error {
	projectRoot := os.Getenv("OJ_PROJECT_ROOT")
	if projectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve cwd: %w", err)
		}
		projectRoot = cwd
	}

	cfg, err := daemon.ForProject(projectRoot)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	rb, err := loadRunbook(projectRoot)
	if err != nil {
		return fmt.Errorf("load runbook: %w", err)
	}

	tmux := adapters.NewTmux(os.Getenv("OJ_AGENT_COMMAND"))
	worktrees := adapters.NewGitWorktree(projectRoot)

	d, err := daemon.Start(cfg, rb, tmux, worktrees, fetchHTTP, listDirResources)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

// loadRunbook reads a pre-validated runbook from <projectRoot>/.oj/runbook.json.
// Parsing and validating the runbook's authored TOML form is out of scope;
// whatever upstream tool compiles the TOML is expected to emit this JSON
// form for the daemon to consume directly.
func loadRunbook(projectRoot string) (daemon.Runbook, error) {
	path := filepath.Join(projectRoot, ".oj", "runbook.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return daemon.Runbook{}, nil
	}
	if err != nil {
		return daemon.Runbook{}, err
	}
	var rb daemon.Runbook
	if err := json.Unmarshal(data, &rb); err != nil {
		return daemon.Runbook{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return rb, nil
}

func fetchHTTP(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// listDirResources is the default Scanner resource lister: it enumerates
// entries of a directory Source as resources, one per path, with no
// Attributes populated (a directory listing has no structured fields to
// filter on beyond the Condition's match against the path itself).
func listDirResources(src scheduling.Source) ([]runtime.ScanResource, error) {
	entries, err := os.ReadDir(src.Ref)
	if err != nil {
		return nil, err
	}
	resources := make([]runtime.ScanResource, 0, len(entries))
	for _, e := range entries {
		resources = append(resources, runtime.ScanResource{ID: e.Name()})
	}
	return resources, nil
}
