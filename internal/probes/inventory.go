package probes

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// Inventory detects improper assets management (API9): methods and sibling
// paths the server answers but the specification never documented.
type Inventory struct{}

func (Inventory) Name() string { return "inventory" }
func (Inventory) Rule() string { return models.RuleInventory }

const inventoryPathCap = 50

// shadowMethods are tried against every documented GET path.
var shadowMethods = []string{http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete}

// shadowSegments are appended to documented paths as sibling candidates.
var shadowSegments = []string{"search", "_search", "export", "debug", "internal", "v1", "v2"}

func (Inventory) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	documented := make(map[string]bool)      // "METHOD path"
	documentedPaths := make(map[string]bool) // path only
	var pathOrder []string
	for _, ep := range t.Snapshot.Endpoints {
		documented[ep.Method+" "+ep.Path] = true
		if !documentedPaths[ep.Path] {
			documentedPaths[ep.Path] = true
			pathOrder = append(pathOrder, ep.Path)
		}
	}

	var findings []models.Finding

	// undocumented methods on documented GET paths
	for _, ep := range selectByMethod(t.Snapshot.Endpoints, http.MethodGet) {
		for _, method := range shadowMethods {
			if err := ctx.Err(); err != nil {
				return findings, err
			}
			if documented[method+" "+ep.Path] {
				continue
			}
			sent, resp, err := t.Client.Do(ctx, httpclient.Request{Method: method, Path: concretePath(ep.Path)})
			if err != nil {
				return findings, err
			}
			if !statusIn(resp.Status, 200, 201, 202, 204) {
				continue
			}
			findings = append(findings, inventoryFinding(ep.Path, method, "an undocumented method", sent, resp))
		}
	}

	// undocumented sibling segments
	paths := pathOrder
	if len(paths) > inventoryPathCap {
		paths = paths[:inventoryPathCap]
	}
	for _, base := range paths {
		for _, segment := range shadowSegments {
			if err := ctx.Err(); err != nil {
				return findings, err
			}
			candidate := strings.TrimSuffix(base, "/") + "/" + segment
			if documentedPaths[candidate] {
				continue
			}
			sent, resp, err := t.Client.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: concretePath(candidate)})
			if err != nil {
				return findings, err
			}
			if !statusIn(resp.Status, 200, 201, 202, 204) {
				continue
			}
			findings = append(findings, inventoryFinding(candidate, http.MethodGet, "an undocumented sibling path", sent, resp))
		}
	}
	return findings, nil
}

func inventoryFinding(path, method, kind string, sent models.HTTPRequest, resp models.HTTPResponse) models.Finding {
	ev := evidence.Build("inventory", "none", sent, resp, evidence.Detail{
		Steps: []string{
			"Request " + method + " " + path + ", which the API description does not document.",
			"Observe a success status.",
		},
		WhyVulnerable:  "The server answers " + kind + " that the published API description omits, so its real surface is larger than what is reviewed and secured.",
		AttackScenario: "An attacker explores the undocumented surface for endpoints that skipped the security review applied to documented ones.",
		PocReferences: []string{
			"https://owasp.org/API-Security/editions/2019/en/0xa9-improper-assets-management/",
		},
	})
	return newFinding(
		models.RuleInventory,
		"Improper Assets Management",
		"The server exposes functionality that is absent from its API description.",
		path, method, ev,
	)
}
