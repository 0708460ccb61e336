package probes

import (
	"context"
	"net/http"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// AuthMatrix detects broken authentication (API2): protected read endpoints
// answering success to missing, bogus or default credentials.
type AuthMatrix struct{}

func (AuthMatrix) Name() string { return "auth-matrix" }
func (AuthMatrix) Rule() string { return models.RuleBrokenAuth }

// authVariant is one row of the credential matrix tried per endpoint.
type authVariant struct {
	label  string
	scheme models.SecurityScheme
	name   string // injector variant name, empty for the unauthenticated row
}

func (AuthMatrix) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	variants := []authVariant{
		{label: "none"},
		{
			label:  models.AuthContext(models.SchemeHTTPBearer, httpclient.VariantBogus),
			scheme: models.SecurityScheme{Kind: models.SchemeHTTPBearer},
			name:   httpclient.VariantBogus,
		},
	}
	if t.Flags.FuzzAuth {
		variants = append(variants, authVariant{
			label:  models.AuthContext(models.SchemeHTTPBasic, httpclient.VariantBasicDefault),
			scheme: models.SecurityScheme{Kind: models.SchemeHTTPBasic},
			name:   httpclient.VariantBasicDefault,
		})
	}

	var findings []models.Finding
	for _, ep := range selectByMethod(t.Snapshot.Endpoints, http.MethodGet, http.MethodHead) {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		// endpoints that declare no auth requirement cannot have broken auth
		if !requiresAuth(t.Snapshot, ep) {
			continue
		}

		for _, v := range variants {
			req := httpclient.Request{Method: ep.Method, Path: concretePath(ep.Path)}
			if v.name != "" {
				t.Injector.Apply(&req, v.scheme, v.name)
			}

			sent, resp, err := t.Client.Do(ctx, req)
			if err != nil {
				return findings, err
			}
			if !statusIn(resp.Status, 200, 206) {
				continue
			}

			ev := evidence.Build("auth-matrix", v.label, sent, resp, evidence.Detail{
				Steps: []string{
					"Request the protected endpoint with credentials: " + v.label + ".",
					"Observe a success status despite the spec requiring authentication.",
				},
				WhyVulnerable:  "The endpoint declares an authentication requirement but returned success to a request that does not carry valid credentials (" + v.label + ").",
				AttackScenario: "An attacker calls the endpoint directly, skipping or forging credentials, and reads data meant for authenticated users.",
				PocReferences: []string{
					"https://owasp.org/API-Security/editions/2019/en/0xa2-broken-user-authentication/",
				},
			})
			findings = append(findings, newFinding(
				models.RuleBrokenAuth,
				"Broken Authentication",
				"A documented authentication requirement is not enforced by the server.",
				ep.Path, ep.Method, ev,
			))
			break
		}
	}
	return findings, nil
}
