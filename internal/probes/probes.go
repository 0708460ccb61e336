// Package probes implements the ten OWASP API Security Top 10 detection
// strategies. Every probe consumes the same target view (spec snapshot,
// budgeted client, auth injector, scan flags) and emits findings with full
// structured evidence. Probes never abort on individual request failures:
// the client coerces transport errors into synthetic 599 responses, which
// probes treat as "no signal".
package probes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/scoring"
)

// Target is everything one probe needs to examine a chunk.
type Target struct {
	Snapshot *models.SpecSnapshot
	Client   *httpclient.Client
	Injector *httpclient.Injector
	Flags    models.ScanFlags
	Logger   *slog.Logger
}

// Probe is one detection strategy bound to exactly one rule.
type Probe interface {
	Name() string
	Rule() string
	Run(ctx context.Context, t *Target) ([]models.Finding, error)
}

// DefaultSuite returns the probes in their fixed execution order.
func DefaultSuite() []Probe {
	return []Probe{
		AuthMatrix{},     // API2
		BOLA{},           // API1
		BFLA{},           // API5
		RateLimit{},      // API4
		Exposure{},       // API3
		MassAssignment{}, // API6
		Misconfig{},      // API7
		Injection{},      // API8
		Inventory{},      // API9
		Logging{},        // API10
	}
}

// SweepResult is the outcome of running a suite over one chunk.
type SweepResult struct {
	Findings        []models.Finding
	BudgetExhausted bool
}

// RunSuite executes the probes in order. onProbe, when set, is called after
// each probe finishes and receives its index and the probe. Budget
// exhaustion ends the sweep cleanly; a probe panic or error is logged and
// the sweep continues; context cancellation propagates to the caller.
func RunSuite(ctx context.Context, t *Target, suite []Probe, onProbe func(i int, p Probe)) (SweepResult, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var result SweepResult
	seen := make(map[string]bool)

	for i, p := range suite {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		findings, err := runProbe(ctx, t, p, logger)
		for _, f := range findings {
			key := dedupKey(&f)
			if seen[key] {
				continue
			}
			seen[key] = true
			result.Findings = append(result.Findings, f)
		}

		switch {
		case err == nil:
		case errors.Is(err, httpclient.ErrBudgetExhausted):
			logger.Info("request budget exhausted, ending sweep", "probe", p.Name())
			result.BudgetExhausted = true
			if onProbe != nil {
				onProbe(i, p)
			}
			return result, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return result, err
		default:
			logger.Error("probe failed, continuing with next", "probe", p.Name(), "error", err)
		}

		if onProbe != nil {
			onProbe(i, p)
		}
	}
	return result, nil
}

// runProbe recovers panics so a single broken probe cannot take down the
// sweep.
func runProbe(ctx context.Context, t *Target, p Probe, logger *slog.Logger) (findings []models.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("probe panicked", "probe", p.Name(), "panic", r)
			err = fmt.Errorf("probe %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Run(ctx, t)
}

// dedupKey identifies a finding. The injection probe legitimately emits one
// finding per delivery channel on the same endpoint, so the channel joins
// the (rule, method, endpoint) fingerprint when present.
func dedupKey(f *models.Finding) string {
	key := f.Fingerprint()
	if ch, ok := f.Evidence.Extra["channel"].(string); ok {
		key += " " + ch
	}
	return key
}

// newFinding looks up score and severity for the rule and assembles the
// finding around the supplied evidence.
func newFinding(rule, title, description, path, method string, ev models.Evidence) models.Finding {
	score, severity := scoring.For(rule)
	return models.Finding{
		Rule:        rule,
		Title:       title,
		Severity:    severity,
		Score:       score,
		Endpoint:    path,
		Method:      method,
		Description: description,
		Evidence:    ev,
	}
}

var templateVar = regexp.MustCompile(`\{[^{}]+\}`)

// concretePath substitutes every {param} template with "1" so the path can
// be requested.
func concretePath(path string) string {
	return pathWithValue(path, "1")
}

// pathWithValue substitutes every {param} template with the given value.
func pathWithValue(path, value string) string {
	return templateVar.ReplaceAllString(path, value)
}

// statusIn reports whether status is in the set.
func statusIn(status int, set ...int) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

// isSuccess reports a 2xx status.
func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// unreachable reports the synthetic status the client substitutes for
// transport errors.
func unreachable(resp models.HTTPResponse) bool {
	return resp.Status == httpclient.StatusTargetUnreachable
}

// headerGet returns the first header value matching the name
// case-insensitively.
func headerGet(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// selectByMethod returns the endpoints with one of the given methods, in
// spec order.
func selectByMethod(eps []models.Endpoint, methods ...string) []models.Endpoint {
	var out []models.Endpoint
	for _, ep := range eps {
		for _, m := range methods {
			if ep.Method == m {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

// capN truncates the selection to the per-probe fan-out cap.
func capN(eps []models.Endpoint, n int) []models.Endpoint {
	if len(eps) > n {
		return eps[:n]
	}
	return eps
}

// requiresAuth reports whether the endpoint's effective security (its own
// declaration, or the global one when inherited) demands credentials.
func requiresAuth(snap *models.SpecSnapshot, ep models.Endpoint) bool {
	switch ep.Security.Mode {
	case models.SecurityNone:
		return false
	case models.SecurityList:
		return len(ep.Security.Requirements) > 0
	default:
		return len(snap.GlobalSecurity) > 0
	}
}

// firstGET returns the first GET endpoint in spec order.
func firstGET(eps []models.Endpoint) (models.Endpoint, bool) {
	for _, ep := range eps {
		if ep.Method == http.MethodGet {
			return ep, true
		}
	}
	return models.Endpoint{}, false
}
