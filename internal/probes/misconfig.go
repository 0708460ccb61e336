package probes

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// Misconfig detects security misconfiguration (API7): plain-HTTP bases,
// credential-permissive CORS, and missing HSTS on HTTPS services. Each
// signal is independent, so the probe can emit up to three findings.
type Misconfig struct{}

func (Misconfig) Name() string { return "misconfig" }
func (Misconfig) Rule() string { return models.RuleMisconfig }

func (Misconfig) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	var findings []models.Finding

	base := t.Client.Base()
	repPath := "/"
	if ep, ok := firstGET(t.Snapshot.Endpoints); ok {
		repPath = concretePath(ep.Path)
	}

	sent, resp, err := t.Client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: repPath})
	if err != nil {
		return findings, err
	}

	if strings.HasPrefix(base, "http://") {
		ev := evidence.Build("misconfig", "none", sent, resp, evidence.Detail{
			Steps: []string{
				"Observe that the API base URL uses plain HTTP.",
			},
			WhyVulnerable:  "The API is served over unencrypted HTTP, exposing every credential and payload to on-path observers.",
			AttackScenario: "An attacker on the same network reads or rewrites API traffic, including tokens and session cookies.",
			PocReferences: []string{
				"https://owasp.org/API-Security/editions/2019/en/0xa7-security-misconfiguration/",
			},
		})
		findings = append(findings, newFinding(
			models.RuleMisconfig,
			"Security Misconfiguration: Plain HTTP",
			"The API base URL is served without TLS.",
			repPath, http.MethodGet, ev,
		))
	}

	// CORS preflight with a hostile origin
	preSent, preResp, err := t.Client.Do(ctx, httpclient.Request{
		Method: http.MethodOptions,
		Path:   repPath,
		Headers: map[string]string{
			"Origin":                        "https://scanner.example",
			"Access-Control-Request-Method": http.MethodGet,
		},
	})
	if err != nil {
		return findings, err
	}
	if !unreachable(preResp) {
		allowOrigin, _ := headerGet(preResp.Headers, "Access-Control-Allow-Origin")
		allowCreds, _ := headerGet(preResp.Headers, "Access-Control-Allow-Credentials")
		if allowOrigin == "*" && strings.EqualFold(allowCreds, "true") {
			ev := evidence.Build("misconfig", "none", preSent, preResp, evidence.Detail{
				Steps: []string{
					"Send an OPTIONS preflight with Origin: https://scanner.example.",
					"Observe Access-Control-Allow-Origin: * together with Access-Control-Allow-Credentials: true.",
				},
				WhyVulnerable:  "The server reflects a wildcard CORS origin while also allowing credentials, which lets any website make authenticated calls to the API.",
				AttackScenario: "A malicious page in a logged-in user's browser issues credentialed cross-origin requests and reads the responses.",
				PocReferences: []string{
					"https://owasp.org/API-Security/editions/2019/en/0xa7-security-misconfiguration/",
				},
			})
			findings = append(findings, newFinding(
				models.RuleMisconfig,
				"Security Misconfiguration: Permissive CORS",
				"CORS is configured with a wildcard origin and credentials enabled.",
				repPath, http.MethodOptions, ev,
			))
		}
	}

	if strings.HasPrefix(base, "https://") && !unreachable(resp) {
		if _, ok := headerGet(resp.Headers, "Strict-Transport-Security"); !ok {
			ev := evidence.Build("misconfig", "none", sent, resp, evidence.Detail{
				Steps: []string{
					"Request the endpoint over HTTPS.",
					"Observe that the response carries no Strict-Transport-Security header.",
				},
				WhyVulnerable:  "The HTTPS service does not send HSTS, so clients may be downgraded to plain HTTP on their first visit.",
				AttackScenario: "An on-path attacker strips TLS from a client's initial request and captures credentials over HTTP.",
				PocReferences: []string{
					"https://owasp.org/API-Security/editions/2019/en/0xa7-security-misconfiguration/",
				},
			})
			findings = append(findings, newFinding(
				models.RuleMisconfig,
				"Security Misconfiguration: Missing HSTS",
				"The HTTPS API does not set Strict-Transport-Security.",
				repPath, http.MethodGet, ev,
			))
		}
	}

	return findings, nil
}
