// Package loader deploys rule sets from *.rules files in a directory and keeps
// them current while the files change.
//
// A file whose declared rule set name matches a deployed rule set updates it,
// to the file's declared version or else the next version. Other files are
// deployed as new rule sets. Removing a file undeploys its rule set.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liamcoop/rulesets/internal/logger"
	"github.com/liamcoop/rulesets/rules"
)

// Extension marks rule files
const Extension = ".rules"

// DefaultDebounce is the quiet period after a file event before it is loaded
const DefaultDebounce = 100 * time.Millisecond

// Engine is the part of *rules.Engine the loader drives
type Engine interface {
	Deploy(ctx context.Context, content string) rules.DeploymentResult
	UpdateByID(ctx context.Context, id, content, version string) rules.DeploymentResult
	Undeploy(ctx context.Context, ref string) error
	GetMetadata(ctx context.Context, id string) *rules.RuleSetMetadata
	ListAll(ctx context.Context) []*rules.RuleSetMetadata
}

// Loader maps rule files onto deployed rule sets
type Loader struct {
	dir      string
	engine   Engine
	compiler rules.Compiler
	debounce time.Duration

	files   map[string]string // path -> rule set id
	digests map[string]string // path -> fingerprint of the content last applied
	pending map[string]*time.Timer
	mu      sync.Mutex
}

// New creates a loader for dir. debounce <= 0 uses DefaultDebounce.
func New(dir string, engine Engine, compiler rules.Compiler, debounce time.Duration) *Loader {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Loader{
		dir:      dir,
		engine:   engine,
		compiler: compiler,
		debounce: debounce,
		files:    make(map[string]string),
		digests:  make(map[string]string),
		pending:  make(map[string]*time.Timer),
	}
}

// LoadDir loads every rule file in the directory in name order and returns the
// number loaded successfully. Individual failures are logged and skipped.
func (l *Loader) LoadDir(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, "*"+Extension))
	if err != nil {
		return 0, fmt.Errorf("failed to list rule files: %w", err)
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		if isHidden(path) {
			continue
		}
		res, err := l.LoadFile(ctx, path)
		if err != nil {
			logger.Warn("failed to load rule file", "path", path, "error", err)
			continue
		}
		if res.Successful {
			loaded++
		}
	}

	logger.Info("rule directory loaded", "dir", l.dir, "files", len(paths), "loaded", loaded)
	return loaded, nil
}

// LoadFile deploys or updates the rule set defined by one file
func (l *Loader) LoadFile(ctx context.Context, path string) (rules.DeploymentResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rules.DeploymentResult{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	content := string(data)
	digest := rules.FingerprintContent(content)

	l.mu.Lock()
	id, seen := l.files[path]
	unchanged := seen && l.digests[path] == digest
	l.mu.Unlock()
	if unchanged {
		return rules.DeploymentResult{ID: id, Successful: true, Message: "unchanged", ValidationErrors: []rules.Diagnostic{}}, nil
	}

	kb, diags := l.compiler.Compile(content)
	if kb == nil {
		return rules.DeploymentResult{
			ID:               digest,
			Message:          "validation failed",
			ValidationErrors: diags,
		}, fmt.Errorf("%s does not compile: %d diagnostics", path, len(diags))
	}

	res := l.apply(ctx, content, kb)
	if !res.Successful {
		return res, fmt.Errorf("%s: %s", path, res.Message)
	}

	l.mu.Lock()
	l.files[path] = res.ID
	l.digests[path] = digest
	l.mu.Unlock()

	logger.Info("rule file loaded", "path", path, "ruleset_id", res.ID, "name", kb.Name())
	return res, nil
}

func (l *Loader) apply(ctx context.Context, content string, kb rules.KnowledgeBase) rules.DeploymentResult {
	id := rules.FingerprintContent(content)
	if meta := l.engine.GetMetadata(ctx, id); meta != nil && meta.Status != rules.StatusDeleted {
		return rules.DeploymentResult{ID: id, Successful: true, Message: "unchanged", ValidationErrors: []rules.Diagnostic{}}
	}

	if existing := l.findByName(ctx, kb.Name()); existing != nil {
		version := kb.Version()
		if version == "" {
			version = rules.NextVersion(existing.Version)
		}
		return l.engine.UpdateByID(ctx, existing.ID, content, version)
	}

	res := l.engine.Deploy(ctx, content)
	if res.Successful && kb.Version() != "" && rules.CompareVersions(kb.Version(), rules.InitialVersion) > 0 {
		return l.engine.UpdateByID(ctx, res.ID, content, kb.Version())
	}
	return res
}

// findByName returns the newest non-deleted rule set with the given name
func (l *Loader) findByName(ctx context.Context, name string) *rules.RuleSetMetadata {
	var found *rules.RuleSetMetadata
	for _, m := range l.engine.ListAll(ctx) {
		if m.Name == name && m.Status != rules.StatusDeleted {
			found = m
		}
	}
	return found
}

// RemoveFile undeploys the rule set loaded from path
func (l *Loader) RemoveFile(ctx context.Context, path string) error {
	l.mu.Lock()
	id, ok := l.files[path]
	delete(l.files, path)
	delete(l.digests, path)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if err := l.engine.Undeploy(ctx, id); err != nil {
		return fmt.Errorf("failed to undeploy %s: %w", path, err)
	}
	logger.Info("rule file removed", "path", path, "ruleset_id", id)
	return nil
}

// Watch loads the directory, then applies file changes until ctx is cancelled
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	if _, err := l.LoadDir(ctx); err != nil {
		return err
	}

	logger.Info("rule directory watcher started", "dir", l.dir, "debounce_ms", l.debounce.Milliseconds())
	defer l.cancelPending()

	for {
		select {
		case <-ctx.Done():
			logger.Info("rule directory watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !isRuleFile(event.Name) || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			logger.Debug("rule file event", "path", event.Name, "op", event.Op.String())
			l.schedule(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("rule directory watcher error", "error", err)
		}
	}
}

// schedule debounces events per file so an editor's burst of writes loads once
func (l *Loader) schedule(ctx context.Context, event fsnotify.Event) {
	path := event.Name
	removed := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0

	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.pending[path]; ok {
		t.Stop()
	}
	l.pending[path] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		delete(l.pending, path)
		l.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		// A rename may be followed by a create at the same path
		if _, err := os.Stat(path); removed && err != nil {
			if err := l.RemoveFile(ctx, path); err != nil {
				logger.Error("rule file removal failed", "path", path, "error", err)
			}
			return
		}
		if _, err := l.LoadFile(ctx, path); err != nil {
			logger.Error("rule file reload failed", "path", path, "error", err)
		}
	})
}

func (l *Loader) cancelPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, t := range l.pending {
		t.Stop()
		delete(l.pending, path)
	}
}

// Files returns the rule set id loaded from each file
func (l *Loader) Files() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.files))
	for k, v := range l.files {
		out[k] = v
	}
	return out
}

func isRuleFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension) && !isHidden(path)
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
