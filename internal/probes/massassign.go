package probes

import (
	"context"
	"net/http"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// MassAssignment detects mass assignment (API6): mutating endpoints
// accepting privilege-shaped properties they never documented. Sends a
// write, so it only runs when the dangerous flag is set.
type MassAssignment struct{}

func (MassAssignment) Name() string { return "mass-assignment" }
func (MassAssignment) Rule() string { return models.RuleMassAssignment }

const massAssignCap = 25

const massAssignBody = `{"role":true,"isAdmin":true,"ownerId":true,"balance":true}`

func (MassAssignment) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	if !t.Flags.Dangerous {
		return nil, nil
	}

	var findings []models.Finding
	selected := selectByMethod(t.Snapshot.Endpoints, http.MethodPost, http.MethodPut, http.MethodPatch)
	for _, ep := range capN(selected, massAssignCap) {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		sent, resp, err := t.Client.Do(ctx, httpclient.Request{
			Method:  ep.Method,
			Path:    concretePath(ep.Path),
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    massAssignBody,
		})
		if err != nil {
			return findings, err
		}
		if !statusIn(resp.Status, 200, 201, 202) {
			continue
		}

		ev := evidence.Build("mass-assignment", "none", sent, resp, evidence.Detail{
			Steps: []string{
				"Send a write request whose body sets role, isAdmin, ownerId and balance.",
				"Observe that the server accepts the request.",
			},
			WhyVulnerable:  "The endpoint accepted a body carrying privilege and ownership properties instead of rejecting the undeclared fields.",
			AttackScenario: "An attacker adds is_admin or owner fields to an ordinary update call and escalates their own account.",
			PocReferences: []string{
				"https://owasp.org/API-Security/editions/2019/en/0xa6-mass-assignment/",
			},
		})
		findings = append(findings, newFinding(
			models.RuleMassAssignment,
			"Mass Assignment",
			"A mutating endpoint accepts privilege-shaped properties that its schema does not declare.",
			ep.Path, ep.Method, ev,
		))
	}
	return findings, nil
}
