package probes

import (
	"context"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// Logging detects insufficient logging and monitoring (API10): a server
// that answers repeated bogus-credential requests without attaching any
// request-correlation header.
type Logging struct{}

func (Logging) Name() string { return "logging" }
func (Logging) Rule() string { return models.RuleNoLogging }

const loggingAttempts = 5

// correlationHeaders are the trace headers whose absence, combined with the
// server's tolerance of bogus credentials, signals the finding.
var correlationHeaders = []string{"X-Request-Id", "X-Correlation-Id", "Trace-Id", "X-Trace-Id"}

func (Logging) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	ep, ok := firstGET(t.Snapshot.Endpoints)
	if !ok {
		return nil, nil
	}

	authCtx := models.AuthContext(models.SchemeHTTPBearer, httpclient.VariantBogus)
	var (
		firstSent models.HTTPRequest
		firstResp models.HTTPResponse
		haveFirst bool
		statuses  []int
		distinct  = make(map[int]bool)
		success   bool
		traced    bool
	)

	for i := 0; i < loggingAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := httpclient.Request{Method: ep.Method, Path: concretePath(ep.Path)}
		t.Injector.Apply(&req, models.SecurityScheme{Kind: models.SchemeHTTPBearer}, httpclient.VariantBogus)

		sent, resp, err := t.Client.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if unreachable(resp) {
			continue
		}
		if !haveFirst {
			firstSent, firstResp = sent, resp
			haveFirst = true
		}
		statuses = append(statuses, resp.Status)
		distinct[resp.Status] = true
		if isSuccess(resp.Status) {
			success = true
		}
		for _, h := range correlationHeaders {
			if _, ok := headerGet(resp.Headers, h); ok {
				traced = true
			}
		}
	}

	if !haveFirst || traced || (!success && len(distinct) < 3) {
		return nil, nil
	}

	ev := evidence.Build("logging", authCtx, firstSent, firstResp, evidence.Detail{
		Steps: []string{
			"Send five requests carrying an obviously bogus bearer token.",
			"Observe that no response carries a request-correlation header.",
		},
		WhyVulnerable:  "Repeated requests with forged credentials drew no correlation identifiers, so the deployment shows no sign of tracing or monitoring suspicious traffic.",
		AttackScenario: "An attacker probes the API at length; without request tracing the operator cannot detect or reconstruct the activity.",
		PocReferences: []string{
			"https://owasp.org/API-Security/editions/2019/en/0xaa-insufficient-logging-monitoring/",
		},
		Extra: map[string]any{
			"observed_statuses": statuses,
		},
	})
	f := newFinding(
		models.RuleNoLogging,
		"Insufficient Logging and Monitoring",
		"The API shows no evidence of request tracing while accepting repeated bogus-credential traffic.",
		ep.Path, ep.Method, ev,
	)
	return []models.Finding{f}, nil
}
