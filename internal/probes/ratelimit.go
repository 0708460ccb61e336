package probes

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/specprobe/internal/evidence"
	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
)

// RateLimit detects missing rate limiting (API4): a burst of concurrent
// requests that draws neither a 429 nor any rate-limit header.
type RateLimit struct{}

func (RateLimit) Name() string { return "rate-limit" }
func (RateLimit) Rule() string { return models.RuleNoRateLimit }

const burstSize = 15

func (RateLimit) Run(ctx context.Context, t *Target) ([]models.Finding, error) {
	ep, ok := pickBurstEndpoint(t.Snapshot.Endpoints)
	if !ok {
		return nil, nil
	}

	type shot struct {
		req  models.HTTPRequest
		resp models.HTTPResponse
	}
	shots := make([]shot, burstSize)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < burstSize; i++ {
		i := i
		g.Go(func() error {
			req, resp, err := t.Client.Do(gctx, httpclient.Request{Method: ep.Method, Path: concretePath(ep.Path)})
			if err != nil {
				return err
			}
			mu.Lock()
			shots[i] = shot{req: req, resp: resp}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	statuses := make([]int, 0, burstSize)
	reachable := -1
	for i, s := range shots {
		statuses = append(statuses, s.resp.Status)
		if unreachable(s.resp) {
			continue
		}
		if reachable < 0 {
			reachable = i
		}
		if s.resp.Status == http.StatusTooManyRequests {
			return nil, nil
		}
		if _, ok := headerGet(s.resp.Headers, "X-RateLimit-Remaining"); ok {
			return nil, nil
		}
		if _, ok := headerGet(s.resp.Headers, "Retry-After"); ok {
			return nil, nil
		}
	}
	if reachable < 0 {
		// every response was a synthetic 599
		return nil, nil
	}

	first := shots[reachable]
	first.resp.Headers = evidence.SafelistHeaders(first.resp.Headers)
	ev := evidence.Build("rate-limit", "none", first.req, first.resp, evidence.Detail{
		Steps: []string{
			"Fire 15 concurrent requests at the endpoint.",
			"Observe that no response is a 429 and none carries X-RateLimit-Remaining or Retry-After.",
		},
		WhyVulnerable:  "The server absorbed a burst of 15 concurrent requests without throttling or advertising any rate limit.",
		AttackScenario: "An attacker floods the API with credential-stuffing, enumeration or resource-exhaustion traffic at full speed.",
		PocReferences: []string{
			"https://owasp.org/API-Security/editions/2019/en/0xa4-lack-of-resources-and-rate-limiting/",
		},
		Extra: map[string]any{
			"burst_statuses": statuses,
		},
	})
	f := newFinding(
		models.RuleNoRateLimit,
		"Lack of Resources and Rate Limiting",
		"A burst of concurrent requests was served without throttling, so the API has no effective rate limit.",
		ep.Path, ep.Method, ev,
	)
	return []models.Finding{f}, nil
}

// pickBurstEndpoint prefers a health/status endpoint so the burst is cheap
// for the target, falling back to the first GET.
func pickBurstEndpoint(eps []models.Endpoint) (models.Endpoint, bool) {
	for _, ep := range eps {
		if ep.Method != http.MethodGet {
			continue
		}
		lower := strings.ToLower(ep.Path)
		if strings.Contains(lower, "health") || strings.Contains(lower, "status") {
			return ep, true
		}
	}
	return firstGET(eps)
}
