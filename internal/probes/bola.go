package probes

import (
	"context"
	"net/http"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// BOLA detects broken object level authorization (API1): an endpoint with a
// path template serving distinct object ids to an unauthenticated caller.
type BOLA struct{}

func (BOLA) Name() string { return "bola" }
func (BOLA) Rule() string { return models.RuleBOLA }

func (BOLA) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	var findings []models.Finding

	for _, ep := range t.Snapshot.Endpoints {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		if ep.Method != http.MethodGet || !ep.HasIDParam {
			continue
		}

		req1, resp1, err := t.Client.Do(ctx, httpclient.Request{Method: ep.Method, Path: pathWithValue(ep.Path, "1")})
		if err != nil {
			return findings, err
		}
		_, resp2, err := t.Client.Do(ctx, httpclient.Request{Method: ep.Method, Path: pathWithValue(ep.Path, "2")})
		if err != nil {
			return findings, err
		}

		if !statusIn(resp1.Status, 200, 206) || !statusIn(resp2.Status, 200, 206) {
			continue
		}

		ev := evidence.Build(
			"bola", "none", req1, resp1,
			evidence.Detail{
				Steps: []string{
					"Request the endpoint with object id 1 and no credentials.",
					"Request the endpoint again with object id 2 and no credentials.",
					"Observe that both objects are served.",
				},
				WhyVulnerable:  "Two distinct object ids were both served to an unauthenticated client, so the endpoint performs no object-level authorization check.",
				AttackScenario: "An attacker enumerates object ids in the path and reads every other user's records.",
				PocReferences: []string{
					"https://owasp.org/API-Security/editions/2019/en/0xa1-broken-object-level-authorization/",
				},
				Extra: map[string]any{
					"second_response": resp2,
				},
			},
		)
		findings = append(findings, newFinding(
			models.RuleBOLA,
			"Broken Object Level Authorization",
			"The endpoint serves arbitrary object ids without verifying that the caller is authorized to access them.",
			ep.Path, ep.Method, ev,
		))
	}
	return findings, nil
}
