package opa

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed playback.rego
var defaultPolicy string

// decisionQuery is the rule every policy set must define
const decisionQuery = "data.kspeaker.playback.decision"

// Engine wraps OPA rego engine for policy evaluation
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]string
}

// Decision is the evaluated policy result
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// NewEngine creates a new OPA engine. With an empty policyDir the built-in
// playback policy is used.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Int("modules", len(e.modules)).Msg("OPA engine initialized")
	return e, nil
}

// load parses policies and prepares the decision query
func (e *Engine) load() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare decision query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()
	return nil
}

// loadPolicies loads all .rego files from the policy directory, or the
// built-in policy
func (e *Engine) loadPolicies() (map[string]string, error) {
	modules := make(map[string]string)

	if e.policyDir == "" {
		if _, err := ast.ParseModule("playback.rego", defaultPolicy); err != nil {
			return nil, fmt.Errorf("failed to parse built-in policy: %w", err)
		}
		modules["playback.rego"] = defaultPolicy
		return modules, nil
	}

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse the module
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		modules[file] = string(content)
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}
	return modules, nil
}

// Evaluate runs the decision query against input
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("decision evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(startTime)).Msg("Decision evaluated")

	if len(results) == 0 {
		return nil, fmt.Errorf("no results from decision query")
	}
	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in decision query result")
	}

	// Convert result to Decision
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &decision, nil
}

// Reload reloads all policies
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")
	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	e.logger.Info().Msg("OPA policies reloaded successfully")
	return nil
}
