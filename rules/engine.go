package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/rulesets/internal/logger"
)

// Config holds engine configuration
type Config struct {
	// ContentTTL is applied to stored rule content. 0 uses DefaultContentTTL;
	// a negative value stores content without expiry.
	ContentTTL time.Duration

	// Cache configures the result cache
	Cache CacheConfig

	// Compiler overrides the default CEL compiler
	Compiler Compiler

	// CostLimit bounds CEL evaluation cost when the default compiler is used
	CostLimit uint64

	// Registerer receives Prometheus metrics; nil disables export
	Registerer prometheus.Registerer
}

// DefaultConfig returns sensible engine defaults
func DefaultConfig() Config {
	return Config{
		ContentTTL: DefaultContentTTL,
		Cache:      DefaultCacheConfig(),
		CostLimit:  DefaultCostLimit,
	}
}

// Engine compiles, deploys and executes rule sets.
// Safe for concurrent use: executions run in isolated sessions, and
// lifecycle mutations on one rule set are serialized by a per-id lock.
type Engine struct {
	registry   Registry
	content    ContentStore
	compiler   Compiler
	cache      *ResultCache
	metrics    *Aggregator
	prom       *promMetrics
	contentTTL time.Duration
	locks      *keyedMutex
	now        func() time.Time

	artifacts map[string]*artifact // ruleSetID -> compiled rule set
	mu        sync.RWMutex
}

// artifact is a compiled rule set and the time its stored content expires.
// Artifacts are replaced, never modified.
type artifact struct {
	kb        KnowledgeBase
	expiresAt time.Time // zero means the content never expires
}

// NewEngine creates an engine over the given registry and content store and
// compiles every ACTIVE or INACTIVE rule set whose content is still available
func NewEngine(ctx context.Context, registry Registry, content ContentStore, cfg Config) (*Engine, error) {
	compiler := cfg.Compiler
	if compiler == nil {
		c, err := NewCELCompilerWithCostLimit(cfg.CostLimit)
		if err != nil {
			return nil, err
		}
		compiler = c
	}

	prom, err := newPromMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	ttl := cfg.ContentTTL
	switch {
	case ttl == 0:
		ttl = DefaultContentTTL
	case ttl < 0:
		ttl = 0
	}

	en := &Engine{
		registry:   registry,
		content:    content,
		compiler:   compiler,
		cache:      NewResultCache(cfg.Cache),
		metrics:    NewAggregator(),
		prom:       prom,
		contentTTL: ttl,
		locks:      newKeyedMutex(),
		now:        time.Now,
		artifacts:  make(map[string]*artifact),
	}
	en.cache.metrics = prom
	en.metrics.metrics = prom

	if err := en.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rule sets: %w", err)
	}

	return en, nil
}

// LoadAll compiles every non-deleted rule set from the registry.
// Rule sets whose content is missing or invalid are logged and skipped.
func (en *Engine) LoadAll(ctx context.Context) error {
	list, err := en.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, m := range list {
		if m.Status == StatusDeleted {
			continue
		}
		content, err := en.content.Get(ctx, m.ID)
		if err != nil {
			logger.Warn("skipping rule set without content", "ruleset_id", m.ID, "error", err)
			continue
		}
		kb, vr := compileTimed(en.compiler, content)
		if !vr.Valid {
			logger.Warn("skipping rule set that no longer compiles",
				"ruleset_id", m.ID, "diagnostics", len(vr.Diagnostics))
			continue
		}
		en.install(ctx, m.ID, kb)
	}

	logger.Info("rule sets loaded", "count", en.loadedCount())
	return nil
}

// Validate compiles content without touching the registry
func (en *Engine) Validate(content string) ValidationResult {
	return Validate(en.compiler, content)
}

// ValidateExisting recompiles the stored content of a rule set
func (en *Engine) ValidateExisting(ctx context.Context, id string) ValidationResult {
	start := time.Now()

	if _, err := en.registry.Get(ctx, id); err != nil {
		return newValidationResult([]Diagnostic{{
			Code:     CodeNotFound,
			Message:  err.Error(),
			Severity: SeverityError,
		}}, start)
	}

	content, err := en.content.Get(ctx, id)
	if err != nil {
		return newValidationResult([]Diagnostic{{
			Code:     CodeContentMissing,
			Message:  err.Error(),
			Severity: SeverityError,
		}}, start)
	}

	_, diags := en.compiler.Compile(content)
	return newValidationResult(diags, start)
}

// Deploy validates content and registers it under its content fingerprint.
// Invalid content leaves the registry and content store untouched.
// Redeploying known content keeps its version and creation time.
func (en *Engine) Deploy(ctx context.Context, content string) DeploymentResult {
	id := FingerprintContent(content)

	kb, vr := compileTimed(en.compiler, content)
	if !vr.Valid {
		en.prom.lifecycle("deploy", false)
		return DeploymentResult{
			ID:               id,
			Message:          "validation failed",
			ValidationErrors: vr.Diagnostics,
		}
	}

	unlock := en.locks.Lock(id)
	defer unlock()

	now := en.now().UTC()
	meta, err := en.registry.Get(ctx, id)
	isNew := false
	switch {
	case err == nil && meta.Status == StatusDeleted:
		return en.failed("deploy", id, fmt.Errorf("rule set %s: %w", id, ErrDeleted), vr.Diagnostics)
	case err == nil:
		meta.Name = kb.Name()
		meta.Status = StatusActive
		meta.LastUpdated = now
	case errors.Is(err, ErrNotFound):
		isNew = true
		meta = &RuleSetMetadata{
			ID:          id,
			Name:        kb.Name(),
			Version:     InitialVersion,
			Status:      StatusActive,
			CreatedAt:   now,
			LastUpdated: now,
		}
	default:
		return en.failed("deploy", id, err, vr.Diagnostics)
	}

	if err := en.content.Put(ctx, id, content, en.contentTTL); err != nil {
		return en.failed("deploy", id, err, vr.Diagnostics)
	}

	if err := en.registry.Put(ctx, meta); err != nil {
		if isNew {
			// Remove content written for a registration that did not happen
			if derr := en.content.Delete(ctx, id); derr != nil {
				logger.Warn("failed to roll back content", "ruleset_id", id, "error", derr)
			}
		}
		return en.failed("deploy", id, err, vr.Diagnostics)
	}

	en.install(ctx, id, kb)
	en.prom.lifecycle("deploy", true)
	logger.Info("rule set deployed",
		"ruleset_id", id, "name", meta.Name, "version", meta.Version, "rules", len(kb.Rules()))

	return DeploymentResult{
		ID:               id,
		Successful:       true,
		Message:          "deployed",
		ValidationErrors: vr.Diagnostics,
	}
}

// Update replaces the content of an existing rule set and sets its version.
// The target is the rule set whose id is the fingerprint of content or,
// failing that, the single non-deleted rule set with the declared name.
func (en *Engine) Update(ctx context.Context, content, version string) DeploymentResult {
	id := FingerprintContent(content)
	if version == "" {
		return en.failed("update", id, ErrInvalidVersion, nil)
	}

	kb, vr := compileTimed(en.compiler, content)
	if !vr.Valid {
		en.prom.lifecycle("update", false)
		return DeploymentResult{ID: id, Message: "validation failed", ValidationErrors: vr.Diagnostics}
	}

	target, err := en.resolveUpdateTarget(ctx, id, kb.Name())
	if err != nil {
		return en.failed("update", id, err, vr.Diagnostics)
	}
	return en.update(ctx, target, content, version, kb, vr)
}

// UpdateByID replaces the content of the rule set id and sets its version
func (en *Engine) UpdateByID(ctx context.Context, id, content, version string) DeploymentResult {
	if version == "" {
		return en.failed("update", id, ErrInvalidVersion, nil)
	}
	if _, err := en.registry.Get(ctx, id); err != nil {
		return en.failed("update", id, err, nil)
	}

	kb, vr := compileTimed(en.compiler, content)
	if !vr.Valid {
		en.prom.lifecycle("update", false)
		return DeploymentResult{ID: id, Message: "validation failed", ValidationErrors: vr.Diagnostics}
	}
	return en.update(ctx, id, content, version, kb, vr)
}

func (en *Engine) resolveUpdateTarget(ctx context.Context, id, name string) (string, error) {
	if _, err := en.registry.Get(ctx, id); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	matches, err := en.registry.FindByName(ctx, name)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", notFound(id)
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("name %s matches %d rule sets: %w", name, len(matches), ErrNotFound)
	}
}

func (en *Engine) update(ctx context.Context, id, content, version string, kb KnowledgeBase, vr ValidationResult) DeploymentResult {
	unlock := en.locks.Lock(id)
	defer unlock()

	meta, err := en.registry.Get(ctx, id)
	if err != nil {
		return en.failed("update", id, err, vr.Diagnostics)
	}
	if meta.Status == StatusDeleted {
		return en.failed("update", id, fmt.Errorf("rule set %s: %w", id, ErrDeleted), vr.Diagnostics)
	}
	if CompareVersions(version, meta.Version) < 0 {
		return en.failed("update", id,
			fmt.Errorf("%s is lower than %s: %w", version, meta.Version, ErrVersionRegression), vr.Diagnostics)
	}

	if err := en.content.Put(ctx, id, content, en.contentTTL); err != nil {
		return en.failed("update", id, err, vr.Diagnostics)
	}

	meta.Name = kb.Name()
	meta.Version = version
	meta.LastUpdated = en.now().UTC()
	if err := en.registry.Put(ctx, meta); err != nil {
		return en.failed("update", id, err, vr.Diagnostics)
	}

	// install drops cached results computed from the previous content
	en.install(ctx, id, kb)
	en.prom.lifecycle("update", true)
	logger.Info("rule set updated", "ruleset_id", id, "version", version)

	return DeploymentResult{
		ID:               id,
		Successful:       true,
		Message:          "updated to version " + version,
		ValidationErrors: vr.Diagnostics,
	}
}

// Undeploy marks a rule set DELETED and removes its content. ref is matched
// as an id first, then as a version among non-deleted rule sets.
func (en *Engine) Undeploy(ctx context.Context, ref string) error {
	id, err := en.resolveRef(ctx, ref)
	if err != nil {
		en.prom.lifecycle("undeploy", false)
		return err
	}

	unlock := en.locks.Lock(id)
	defer unlock()

	meta, err := en.registry.Get(ctx, id)
	if err != nil {
		en.prom.lifecycle("undeploy", false)
		return err
	}
	if meta.Status == StatusDeleted {
		return nil
	}

	meta.Status = StatusDeleted
	meta.LastUpdated = en.now().UTC()
	if err := en.registry.Put(ctx, meta); err != nil {
		en.prom.lifecycle("undeploy", false)
		return err
	}

	en.uninstall(id)

	if err := en.content.Delete(ctx, id); err != nil {
		en.prom.lifecycle("undeploy", false)
		return fmt.Errorf("rule set %s deleted but content removal failed: %w", id, err)
	}

	en.prom.lifecycle("undeploy", true)
	logger.Info("rule set undeployed", "ruleset_id", id, "version", meta.Version)
	return nil
}

func (en *Engine) resolveRef(ctx context.Context, ref string) (string, error) {
	if _, err := en.registry.Get(ctx, ref); err == nil {
		return ref, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	matches, err := en.registry.FindByVersion(ctx, ref)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("version %s: %w", ref, ErrNotFound)
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("version %s matches %d rule sets: %w", ref, len(matches), ErrAmbiguousVersion)
	}
}

// SetStatus moves a rule set between ACTIVE and INACTIVE
func (en *Engine) SetStatus(ctx context.Context, id string, status Status) error {
	if status != StatusActive && status != StatusInactive {
		return fmt.Errorf("cannot set status %q: %w", status, ErrInvalidStatus)
	}

	unlock := en.locks.Lock(id)
	defer unlock()

	meta, err := en.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if meta.Status == StatusDeleted {
		return fmt.Errorf("rule set %s: %w", id, ErrDeleted)
	}
	if meta.Status == status {
		return nil
	}

	meta.Status = status
	meta.LastUpdated = en.now().UTC()
	if err := en.registry.Put(ctx, meta); err != nil {
		return err
	}
	en.cache.Invalidate(id)
	return nil
}

// Reload discards the compiled rule set and recompiles it from the content store
func (en *Engine) Reload(ctx context.Context, id string) error {
	unlock := en.locks.Lock(id)
	defer unlock()

	meta, err := en.registry.Get(ctx, id)
	if err != nil {
		en.prom.lifecycle("reload", false)
		return err
	}
	if meta.Status == StatusDeleted {
		en.prom.lifecycle("reload", false)
		return fmt.Errorf("rule set %s: %w", id, ErrDeleted)
	}

	en.uninstall(id)

	content, err := en.content.Get(ctx, id)
	if err != nil {
		en.prom.lifecycle("reload", false)
		return err
	}

	kb, vr := compileTimed(en.compiler, content)
	if !vr.Valid {
		en.prom.lifecycle("reload", false)
		return &CompilationError{RuleSetID: id, Diagnostics: vr.Errors()}
	}

	en.install(ctx, id, kb)
	en.prom.lifecycle("reload", true)
	logger.Info("rule set reloaded", "ruleset_id", id)
	return nil
}

// Execute runs a rule set against facts. Unknown or non-ACTIVE rule sets
// return ErrNotFound. Runtime faults are contained: they are logged, recorded
// as failed executions and returned as an error matching ErrExecution.
func (en *Engine) Execute(ctx context.Context, id string, facts Facts) (*Result, error) {
	meta, err := en.registry.Get(ctx, id)
	if err != nil || meta.Status != StatusActive {
		en.cache.RecordMiss(id)
		if err == nil || errors.Is(err, ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, err
	}

	start := time.Now()
	en.dropExpired(ctx, id)

	key, keyErr := FingerprintFacts(facts)
	if keyErr == nil {
		if res, ok := en.cache.Get(id, key); ok {
			en.recordExecution(ctx, id, time.Since(start), false)
			return res, nil
		}
	} else {
		logger.Debug("executing without result cache", "ruleset_id", id, "error", keyErr)
		en.cache.RecordMiss(id)
	}

	generation := en.cache.Generation(id)
	res, err := en.fire(ctx, id, facts)
	en.recordExecution(ctx, id, time.Since(start), err != nil)

	if err != nil {
		logger.ExecutionFailures.Add(1)
		logger.Error("rule set execution failed", "ruleset_id", id, "error", err)
		return nil, err
	}

	if keyErr == nil {
		en.cache.Put(id, key, res, generation)
	}
	return res, nil
}

// ExecuteBatch executes each fact set in order. A failed item leaves a nil
// entry and does not stop the remaining items.
func (en *Engine) ExecuteBatch(ctx context.Context, id string, factSets []Facts) []*Result {
	results := make([]*Result, len(factSets))
	for i, facts := range factSets {
		res, err := en.Execute(ctx, id, facts)
		if err != nil {
			logger.Debug("batch item failed", "ruleset_id", id, "index", i, "error", err)
			continue
		}
		results[i] = res
	}
	return results
}

// fire evaluates facts in a fresh session; the session is disposed on every path
func (en *Engine) fire(ctx context.Context, id string, facts Facts) (res *Result, err error) {
	kb, err := en.knowledgeBase(ctx, id)
	if err != nil {
		return nil, &ExecutionError{RuleSetID: id, Err: err}
	}

	session := kb.NewSession(id)
	defer session.Dispose()
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &ExecutionError{RuleSetID: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	for name, value := range facts {
		if err := session.Insert(name, value); err != nil {
			return nil, &ExecutionError{RuleSetID: id, Err: err}
		}
	}

	if _, err := session.FireAll(); err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ExecutionError{RuleSetID: id, Err: err}
	}

	return session.Result()
}

func (en *Engine) recordExecution(ctx context.Context, id string, latency time.Duration, failed bool) {
	en.metrics.Record(id, latency, failed)
	if err := en.registry.IncrementExecutions(ctx, id); err != nil {
		logger.Warn("failed to increment execution count", "ruleset_id", id, "error", err)
	}
}

// knowledgeBase returns the compiled rule set, compiling stored content on first use
func (en *Engine) knowledgeBase(ctx context.Context, id string) (KnowledgeBase, error) {
	if a := en.loadedArtifact(id); a != nil {
		return a.kb, nil
	}

	// Compile under the rule set lock so a concurrent undeploy cannot be undone
	unlock := en.locks.Lock(id)
	defer unlock()

	if a := en.loadedArtifact(id); a != nil {
		return a.kb, nil
	}

	meta, err := en.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Status == StatusDeleted {
		return nil, fmt.Errorf("rule set %s: %w", id, ErrDeleted)
	}

	content, err := en.content.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	kb, vr := compileTimed(en.compiler, content)
	if !vr.Valid {
		return nil, &CompilationError{RuleSetID: id, Diagnostics: vr.Errors()}
	}

	// Nothing was cached without an artifact, so there is nothing to invalidate
	en.store(ctx, id, kb)
	return kb, nil
}

func (en *Engine) loadedArtifact(id string) *artifact {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.artifacts[id]
}

// dropExpired discards the compiled rule set once its stored content has
// expired, so execution reports the content as missing. Content rewritten
// in the store since install only moves the expiry forward.
func (en *Engine) dropExpired(ctx context.Context, id string) {
	a := en.loadedArtifact(id)
	if a == nil || a.expiresAt.IsZero() || en.now().Before(a.expiresAt) {
		return
	}

	expiresAt, err := en.contentExpiry(ctx, id)
	if err != nil && !errors.Is(err, ErrContentMissing) {
		logger.Warn("failed to check rule set content", "ruleset_id", id, "error", err)
		return
	}

	en.mu.Lock()
	if en.artifacts[id] != a {
		// Replaced by a lifecycle operation meanwhile
		en.mu.Unlock()
		return
	}
	if err == nil {
		en.artifacts[id] = &artifact{kb: a.kb, expiresAt: expiresAt}
		en.mu.Unlock()
		return
	}
	delete(en.artifacts, id)
	n := len(en.artifacts)
	en.mu.Unlock()

	en.cache.Invalidate(id)
	en.prom.loaded(n)
	logger.Warn("rule set content expired", "ruleset_id", id)
}

// contentExpiry asks the content store when the content for id expires.
// Stores that cannot tell report the current time, so the content is
// re-checked on every execution.
func (en *Engine) contentExpiry(ctx context.Context, id string) (time.Time, error) {
	er, ok := en.content.(ExpiryReader)
	if !ok {
		if _, err := en.content.Get(ctx, id); err != nil {
			return time.Time{}, err
		}
		return en.now(), nil
	}
	return er.ExpiresAt(ctx, id)
}

// install swaps in a compiled rule set and drops results computed by the previous one
func (en *Engine) install(ctx context.Context, id string, kb KnowledgeBase) {
	en.store(ctx, id, kb)
	en.cache.Invalidate(id)
}

func (en *Engine) store(ctx context.Context, id string, kb KnowledgeBase) {
	expiresAt, err := en.contentExpiry(ctx, id)
	if err != nil {
		logger.Warn("failed to read rule set content expiry", "ruleset_id", id, "error", err)
		expiresAt = en.now()
	}

	en.mu.Lock()
	en.artifacts[id] = &artifact{kb: kb, expiresAt: expiresAt}
	n := len(en.artifacts)
	en.mu.Unlock()

	en.prom.loaded(n)
}

func (en *Engine) uninstall(id string) {
	en.mu.Lock()
	delete(en.artifacts, id)
	n := len(en.artifacts)
	en.mu.Unlock()

	en.cache.Invalidate(id)
	en.prom.loaded(n)
}

func (en *Engine) loadedCount() int {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return len(en.artifacts)
}

func (en *Engine) failed(operation, id string, err error, diags []Diagnostic) DeploymentResult {
	en.prom.lifecycle(operation, false)
	logger.Warn("rule set "+operation+" failed", "ruleset_id", id, "error", err)
	if diags == nil {
		diags = []Diagnostic{}
	}
	return DeploymentResult{
		ID:               id,
		Message:          err.Error(),
		ValidationErrors: diags,
	}
}

// GetMetadata returns the registry record, or nil if id is unknown
func (en *Engine) GetMetadata(ctx context.Context, id string) *RuleSetMetadata {
	meta, err := en.registry.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Error("failed to read rule set metadata", "ruleset_id", id, "error", err)
		}
		return nil
	}
	return meta
}

// ListAll returns every registry record, deleted ones included
func (en *Engine) ListAll(ctx context.Context) []*RuleSetMetadata {
	list, err := en.registry.List(ctx)
	if err != nil {
		logger.Error("failed to list rule sets", "error", err)
		return []*RuleSetMetadata{}
	}
	return list
}

// GetExecutionMetrics returns running execution statistics for a rule set
func (en *Engine) GetExecutionMetrics(id string) ExecutionMetrics {
	m := en.metrics.Snapshot(id)
	m.CacheHitRate = en.cache.Metrics(id).HitRate
	return m
}

// GetCacheMetrics returns result cache counters for a rule set
func (en *Engine) GetCacheMetrics(id string) CacheMetrics {
	return en.cache.Metrics(id)
}

// keyedMutex serializes work per key; idle keys are released
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
