package probes

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// Exposure detects excessive data exposure (API3): response payloads
// carrying keys that look like credentials or personal data.
type Exposure struct{}

func (Exposure) Name() string { return "exposure" }
func (Exposure) Rule() string { return models.RuleDataExposure }

const (
	exposureCap      = 50
	exposureMaxBytes = 1 << 20 // parsed JSON input cap
	exposureMaxDepth = 64
)

// sensitiveNeedles are matched case-insensitively as substrings of any JSON
// key at any depth.
var sensitiveNeedles = []string{"password", "token", "secret", "apikey", "ssn", "dob", "email"}

func (Exposure) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	var findings []models.Finding

	for _, ep := range capN(selectByMethod(t.Snapshot.Endpoints, http.MethodGet), exposureCap) {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		sent, resp, err := t.Client.Do(ctx, httpclient.Request{Method: ep.Method, Path: concretePath(ep.Path)})
		if err != nil {
			return findings, err
		}
		if unreachable(resp) {
			continue
		}

		matched := sensitiveKeys(resp.Body)
		if len(matched) == 0 {
			continue
		}

		ev := evidence.Build("exposure", "none", sent, resp, evidence.Detail{
			Steps: []string{
				"Request the endpoint and parse the JSON response.",
				"Collect every key at any depth of the payload.",
				"Observe sensitive-looking keys: " + strings.Join(matched, ", ") + ".",
			},
			WhyVulnerable:  "The response payload exposes sensitive-looking fields (" + strings.Join(matched, ", ") + ") that the API should filter before returning.",
			AttackScenario: "An attacker harvests credentials or personal data directly from ordinary API responses, without needing any further weakness.",
			PocReferences: []string{
				"https://owasp.org/API-Security/editions/2019/en/0xa3-excessive-data-exposure/",
			},
			Extra: map[string]any{
				"sensitive_keys": matched,
			},
		})
		findings = append(findings, newFinding(
			models.RuleDataExposure,
			"Excessive Data Exposure",
			"The endpoint returns payload fields whose names indicate credentials or personal data.",
			ep.Path, ep.Method, ev,
		))
	}
	return findings, nil
}

// sensitiveKeys parses the body as JSON and returns the sorted set of keys
// that match a sensitive needle. Non-JSON bodies yield nothing.
func sensitiveKeys(body string) []string {
	if len(body) > exposureMaxBytes {
		body = body[:exposureMaxBytes]
	}
	var parsed any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil
	}

	keys := make(map[string]bool)
	collectKeys(parsed, 0, keys)

	matched := make(map[string]bool)
	for key := range keys {
		lower := strings.ToLower(key)
		for _, needle := range sensitiveNeedles {
			if strings.Contains(lower, needle) {
				matched[key] = true
				break
			}
		}
	}

	out := make([]string, 0, len(matched))
	for key := range matched {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// collectKeys walks the parsed JSON depth-first, gathering every object key.
// Depth is capped so pathological nesting cannot recurse unboundedly.
func collectKeys(v any, depth int, keys map[string]bool) {
	if depth > exposureMaxDepth {
		return
	}
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			keys[key] = true
			collectKeys(child, depth+1, keys)
		}
	case []any:
		for _, child := range node {
			collectKeys(child, depth+1, keys)
		}
	}
}
