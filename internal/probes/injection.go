package probes

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// Injection detects injection flaws (API8) by delivering a small fixed
// payload set over three channels (query parameter, header, JSON body) and
// matching the response against well-known backend error signatures. At
// most one finding is emitted per endpoint and channel.
type Injection struct{}

func (Injection) Name() string { return "injection" }
func (Injection) Rule() string { return models.RuleInjection }

const (
	injectionCap = 50
	// errorScanWindow bounds how much of the body the signature regex sees.
	errorScanWindow = 4 * 1024
)

// injectionPayloads is the fixed corpus; probes use the first four on the
// query channel, the first on the header channel and the second on the body
// channel.
var injectionPayloads = []string{
	`' OR '1'='1`,
	`" OR "1"="1`,
	`')--`,
	`../../etc/passwd`,
	`<script>alert(1)</script>`,
	`<?xml version="1.0"?><!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><foo>&xxe;</foo>`,
}

var errorSignature = regexp.MustCompile(`(?i)(SQL syntax|SQLSTATE|ORA-\d{5}|mysql_|PDOException|MongoError|Traceback \(most recent call last\)|System\.InvalidOperationException|ReferenceError|TypeError|stack trace)`)

func (Injection) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	methods := []string{http.MethodGet}
	if t.Flags.Dangerous {
		methods = append(methods, http.MethodPost, http.MethodPut, http.MethodPatch)
	}

	var findings []models.Finding
	for _, ep := range capN(selectByMethod(t.Snapshot.Endpoints, methods...), injectionCap) {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		path := concretePath(ep.Path)

		// query channel: first four payloads, stop at the first signal
		for _, payload := range injectionPayloads[:4] {
			sent, resp, err := t.Client.Do(ctx, httpclient.Request{
				Method: ep.Method,
				Path:   path,
				Query:  map[string]string{"q": payload},
			})
			if err != nil {
				return findings, err
			}
			if !signalsError(resp) {
				continue
			}
			findings = append(findings, injectionFinding(ep, "query", payload, sent, resp))
			break
		}

		// header channel: one request with the first payload as User-Agent
		sent, resp, err := t.Client.Do(ctx, httpclient.Request{
			Method:  ep.Method,
			Path:    path,
			Headers: map[string]string{"User-Agent": injectionPayloads[0]},
		})
		if err != nil {
			return findings, err
		}
		if signalsError(resp) {
			findings = append(findings, injectionFinding(ep, "header", injectionPayloads[0], sent, resp))
		}

		// body channel: mutating methods only, dangerous scans only
		if t.Flags.Dangerous && ep.Method != http.MethodGet {
			body, _ := json.Marshal(map[string]string{"name": injectionPayloads[1]})
			sent, resp, err := t.Client.Do(ctx, httpclient.Request{
				Method:  ep.Method,
				Path:    path,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    string(body),
			})
			if err != nil {
				return findings, err
			}
			if signalsError(resp) {
				findings = append(findings, injectionFinding(ep, "body", injectionPayloads[1], sent, resp))
			}
		}
	}
	return findings, nil
}

// signalsError matches the error signatures against the first 4 KiB of a
// reachable response body.
func signalsError(resp models.HTTPResponse) bool {
	if unreachable(resp) {
		return false
	}
	window := resp.Body
	if len(window) > errorScanWindow {
		window = window[:errorScanWindow]
	}
	return errorSignature.MatchString(window)
}

func injectionFinding(ep models.Endpoint, channel, payload string, sent models.HTTPRequest, resp models.HTTPResponse) models.Finding {
	ev := evidence.Build("injection", "none", sent, resp, evidence.Detail{
		Steps: []string{
			"Deliver the payload " + payload + " via the " + channel + " channel.",
			"Observe a backend error signature in the response body.",
		},
		WhyVulnerable:  "Attacker-controlled input delivered via the " + channel + " channel reached a backend interpreter, which leaked an error signature into the response.",
		AttackScenario: "An attacker refines the payload into a working injection and reads or modifies backend data.",
		PocReferences: []string{
			"https://owasp.org/API-Security/editions/2019/en/0xa8-injection/",
		},
		Extra: map[string]any{
			"channel": channel,
			"payload": payload,
		},
	})
	return newFinding(
		models.RuleInjection,
		"Injection",
		"Probe input reached a backend interpreter and produced an error signature in the response.",
		ep.Path, ep.Method, ev,
	)
}
