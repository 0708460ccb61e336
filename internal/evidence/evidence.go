// Package evidence assembles the reproducible proof attached to findings:
// captured request/response pairs, a redacted curl reproduction, and the
// fixed narrative fields each probe supplies.
package evidence

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmylchreest/specprobe/internal/models"
)

// BodyLimit is the maximum response body size stored in evidence.
const BodyLimit = 100 * 1024

// DecodeFailureMarker replaces bodies that cannot be decoded as text.
const DecodeFailureMarker = "[Unable to decode response body]"

// sensitiveHeaders are masked in curl reproductions.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
}

// safelist are the response headers kept when the caller asks for the
// restricted header view.
var safelist = map[string]bool{
	"content-type":   true,
	"retry-after":    true,
	"content-length": true,
	"server":         true,
}

// Detail carries a probe's fixed narrative for one finding class.
type Detail struct {
	Steps          []string
	WhyVulnerable  string
	AttackScenario string
	PocReferences  []string
	Extra          map[string]any
}

// Build assembles an Evidence record with a UTC timestamp and the curl
// reproduction derived from the request as sent.
func Build(probe, authContext string, req models.HTTPRequest, resp models.HTTPResponse, d Detail) models.Evidence {
	return models.Evidence{
		Request:        req,
		Response:       resp,
		AuthContext:    authContext,
		ProbeName:      probe,
		Timestamp:      time.Now().UTC(),
		CurlCommand:    Curl(req),
		Steps:          d.Steps,
		WhyVulnerable:  d.WhyVulnerable,
		AttackScenario: d.AttackScenario,
		PocReferences:  d.PocReferences,
		Extra:          d.Extra,
	}
}

// Curl renders a reproduction command for the request. Values of the
// Authorization, Cookie and X-Api-Key headers are replaced with [REDACTED].
func Curl(req models.HTTPRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s '%s'", req.Method, req.URL)

	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := req.Headers[k]
		if sensitiveHeaders[strings.ToLower(k)] {
			v = "[REDACTED]"
		}
		fmt.Fprintf(&b, " -H '%s: %s'", k, v)
	}

	if req.Body != "" {
		fmt.Fprintf(&b, " -d '%s'", escapeSingleQuotes(req.Body))
	}
	return b.String()
}

// escapeSingleQuotes makes a string safe inside a single-quoted shell
// argument using the '\'' idiom.
func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// ReadBody drains r, keeping at most BodyLimit bytes. Bodies over the limit
// get a truncation suffix recording the original size; bodies that do not
// decode as text are replaced by DecodeFailureMarker. A read error mid-body
// keeps the bytes received so far with a suffix naming the error. The
// returned size is the full body size read from the wire.
func ReadBody(r io.Reader) (string, int64) {
	buf, err := io.ReadAll(io.LimitReader(r, BodyLimit))
	size := int64(len(buf))
	if err != nil {
		if len(buf) == 0 || !utf8.Valid(buf) {
			return DecodeFailureMarker, size
		}
		return string(buf) + fmt.Sprintf("[... read aborted after %d bytes: %v]", size, err), size
	}

	// Count the remainder without storing it.
	rest, _ := io.Copy(io.Discard, r)
	size += rest

	if !utf8.Valid(buf) {
		return DecodeFailureMarker, size
	}

	body := string(buf)
	if rest > 0 {
		body += fmt.Sprintf("[... truncated, original size: %d bytes]", size)
	}
	return body, size
}

// FlattenHeaders converts response headers to the evidence map form,
// joining repeated values.
func FlattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// SafelistHeaders returns only the response headers probes are expected to
// reason about: content-type, retry-after, x-ratelimit-*, content-length,
// server.
func SafelistHeaders(h map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range h {
		lower := strings.ToLower(k)
		if safelist[lower] || strings.HasPrefix(lower, "x-ratelimit-") {
			out[k] = v
		}
	}
	return out
}
