package probes

import (
	"context"
	"strings"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// BFLA detects broken function level authorization (API5): administrative
// endpoints reachable without credentials.
type BFLA struct{}

func (BFLA) Name() string { return "bfla" }
func (BFLA) Rule() string { return models.RuleBFLA }

func (BFLA) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	var findings []models.Finding

	for _, ep := range t.Snapshot.Endpoints {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		if !looksAdministrative(ep) {
			continue
		}

		sent, resp, err := t.Client.Do(ctx, httpclient.Request{Method: ep.Method, Path: concretePath(ep.Path)})
		if err != nil {
			return findings, err
		}
		if !statusIn(resp.Status, 200, 201, 202, 204) {
			continue
		}

		ev := evidence.Build("bfla", "none", sent, resp, evidence.Detail{
			Steps: []string{
				"Call the administrative endpoint with no credentials.",
				"Observe a success status.",
			},
			WhyVulnerable:  "An endpoint that is administrative by name answered success to an unauthenticated request, so function-level authorization is not enforced.",
			AttackScenario: "An attacker discovers the admin route from the API description and invokes privileged functionality directly.",
			PocReferences: []string{
				"https://owasp.org/API-Security/editions/2019/en/0xa5-broken-function-level-authorization/",
			},
		})
		findings = append(findings, newFinding(
			models.RuleBFLA,
			"Broken Function Level Authorization",
			"An administrative endpoint is reachable without authentication.",
			ep.Path, ep.Method, ev,
		))
	}
	return findings, nil
}

// looksAdministrative matches "admin" in the path or any tag,
// case-insensitively.
func looksAdministrative(ep models.Endpoint) bool {
	if strings.Contains(strings.ToLower(ep.Path), "admin") {
		return true
	}
	for _, tag := range ep.Tags {
		if strings.Contains(strings.ToLower(tag), "admin") {
			return true
		}
	}
	return false
}
