// Package hap implements the Hate/Abuse/Profanity content-safety gate:
// an OPA/Rego-backed moderation checker with per-tenant custom rules and
// whitelists, fail-open/fail-closed policy split by checkpoint.
package hap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// CheckResult is the moderation verdict from spec §4.6.
type CheckResult struct {
	Severity    types.Severity
	Categories  []string
	Confidence  float64
	Explanation string
	Suggestions []string
}

// Checker is the HAP interface from spec §6.
type Checker interface {
	Check(ctx context.Context, content string, hapCtx types.HAPContext, tenantID, userID string) (CheckResult, error)
}

// ViolationSink records a HAPViolation row, best-effort.
type ViolationSink interface {
	AppendAsync(v types.HAPViolation)
}

// TenantRule is a custom per-tenant regex-based override.
type TenantRule struct {
	Pattern  *regexp.Regexp
	Severity types.Severity
}

// OPAChecker evaluates content against a compiled Rego policy bundle and
// layers per-tenant custom rules + whitelists on top of the decision.
type OPAChecker struct {
	mu      sync.RWMutex
	query   *rego.PreparedEvalQuery
	tracer  trace.Tracer
	sink    ViolationSink

	tenantRules      map[string][]TenantRule
	tenantWhitelists map[string][]*regexp.Regexp
}

// NewOPAChecker builds a checker from pre-parsed Rego modules. modules
// maps a file label to its source, mirroring the policy-service's
// directory-of-.rego-files loading.
func NewOPAChecker(ctx context.Context, modules map[string]string, sink ViolationSink) (*OPAChecker, error) {
	parsed := make(map[string]*ast.Module, len(modules))
	for name, src := range modules {
		m, err := ast.ParseModule(name, src)
		if err != nil {
			return nil, fmt.Errorf("parse hap policy %s: %w", name, err)
		}
		parsed[name] = m
	}

	compiler := ast.NewCompiler()
	compiler.Compile(parsed)
	if compiler.Failed() {
		return nil, fmt.Errorf("compile hap policies: %v", compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query("data.hap.decision"),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare hap policy: %w", err)
	}

	return &OPAChecker{
		query:            &prepared,
		tracer:           otel.Tracer("orchestrator-hap"),
		sink:             sink,
		tenantRules:      make(map[string][]TenantRule),
		tenantWhitelists: make(map[string][]*regexp.Regexp),
	}, nil
}

// SetTenantRules installs custom per-tenant severity overrides.
func (c *OPAChecker) SetTenantRules(tenantID string, rules []TenantRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenantRules[tenantID] = rules
}

// SetTenantWhitelist installs per-tenant whitelist patterns; matches
// demote the resulting severity by one level (never below clean).
func (c *OPAChecker) SetTenantWhitelist(tenantID string, patterns []*regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenantWhitelists[tenantID] = patterns
}

// Check evaluates content, applying tenant overrides/whitelists and
// logging any non-clean verdict asynchronously.
func (c *OPAChecker) Check(ctx context.Context, content string, hapCtx types.HAPContext, tenantID, userID string) (CheckResult, error) {
	ctx, span := c.tracer.Start(ctx, "hap.check")
	defer span.End()

	result, err := c.evaluate(ctx, content)
	if err != nil {
		return CheckResult{}, err
	}

	c.mu.RLock()
	rules := c.tenantRules[tenantID]
	whitelist := c.tenantWhitelists[tenantID]
	c.mu.RUnlock()

	for _, r := range rules {
		if r.Pattern.MatchString(content) && types.SeverityAtLeast(r.Severity, result.Severity) {
			result.Severity = r.Severity
		}
	}
	for _, w := range whitelist {
		if w.MatchString(content) {
			result.Severity = types.SeverityDemote(result.Severity)
			break
		}
	}

	if result.Severity != types.SeverityClean && c.sink != nil {
		sum := sha256.Sum256([]byte(content))
		c.sink.AppendAsync(types.HAPViolation{
			Context:     hapCtx,
			Severity:    result.Severity,
			Categories:  result.Categories,
			ContentHash: hex.EncodeToString(sum[:]),
			TenantID:    tenantID,
			UserID:      userID,
			CreatedAt:   time.Now(),
		})
	}

	return result, nil
}

func (c *OPAChecker) evaluate(ctx context.Context, content string) (CheckResult, error) {
	c.mu.RLock()
	query := c.query
	c.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(map[string]interface{}{"content": content}))
	if err != nil {
		return CheckResult{}, fmt.Errorf("hap eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return CheckResult{Severity: types.SeverityClean}, nil
	}

	decision, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return CheckResult{Severity: types.SeverityClean}, nil
	}

	result := CheckResult{Severity: types.SeverityClean}
	if sev, ok := decision["severity"].(string); ok {
		result.Severity = types.Severity(sev)
	}
	if conf, ok := decision["confidence"].(float64); ok {
		result.Confidence = conf
	}
	if expl, ok := decision["explanation"].(string); ok {
		result.Explanation = expl
	}
	if cats, ok := decision["categories"].([]interface{}); ok {
		for _, c := range cats {
			if s, ok := c.(string); ok {
				result.Categories = append(result.Categories, s)
			}
		}
	}
	return result, nil
}

// Gate enforces the severity -> allow/block/review policy for a
// checkpoint, returning a *apperr.AppError when the checkpoint fails
// closed (requests) or the severity is outright blocking regardless of
// checkpoint (>= high always blocks).
//
// On checker outage (checkErr != nil): requests fail closed, outputs
// fail open with a clean verdict, per spec §4.6.
func Gate(hapCtx types.HAPContext, result CheckResult, checkErr error) (CheckResult, error) {
	if checkErr != nil {
		if hapCtx == types.ContextUserRequest {
			return CheckResult{}, apperr.Wrap(checkErr, apperr.KindPolicyBlocked, "moderation unavailable, request rejected")
		}
		return CheckResult{Severity: types.SeverityClean, Confidence: 1.0}, nil
	}
	if types.SeverityAtLeast(result.Severity, types.SeverityHigh) {
		return result, apperr.PolicyBlocked(string(hapCtx), string(result.Severity), result.Categories)
	}
	return result, nil
}
