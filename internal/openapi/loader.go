// Package openapi ingests OpenAPI 3 documents: $ref resolution, validation,
// flattening into the scanner's endpoint view, and chunking for dispatch.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/jmylchreest/specprobe/internal/models"
)

// ErrSpecInvalid marks documents that fail OpenAPI validation.
var ErrSpecInvalid = errors.New("spec failed validation")

// ErrSpecUnreachable marks documents that cannot be fetched or read.
var ErrSpecUnreachable = errors.New("spec unreachable")

// methodOrder is the canonical method order used to break ties when
// flattening a path's operations.
var methodOrder = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodTrace,
}

// Document pairs a parsed OpenAPI document with its flattened snapshot.
type Document struct {
	T        *openapi3.T
	Snapshot *models.SpecSnapshot
}

// Load reads a spec from a local path or an HTTP(S) URL.
func Load(ctx context.Context, ref string) (*Document, error) {
	data, err := fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecUnreachable, err)
	}
	return LoadData(ctx, data)
}

// LoadData parses and validates an inline JSON or YAML document.
func LoadData(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}

	return &Document{T: doc, Snapshot: flatten(doc)}, nil
}

func fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching %s: status %d", ref, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(ref)
}

// flatten turns a validated document into the immutable endpoint view.
// Endpoints are ordered lexicographically by path, then by canonical method
// order, so the result is deterministic across loads.
func flatten(doc *openapi3.T) *models.SpecSnapshot {
	snap := &models.SpecSnapshot{
		Schemes: make(map[string]models.SecurityScheme),
	}
	if doc.Info != nil {
		snap.Title = doc.Info.Title
		snap.Version = doc.Info.Version
	}
	for _, srv := range doc.Servers {
		snap.Servers = append(snap.Servers, srv.URL)
	}
	snap.GlobalSecurity = convertRequirements(doc.Security)

	if doc.Components != nil {
		for name, ref := range doc.Components.SecuritySchemes {
			if ref == nil || ref.Value == nil {
				continue
			}
			if scheme, ok := normaliseScheme(ref.Value); ok {
				snap.Schemes[name] = scheme
			}
		}
	}

	if doc.Paths == nil {
		return snap
	}
	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := pathMap[path]
		if item == nil {
			continue
		}
		ops := item.Operations()
		for _, method := range methodOrder {
			op, ok := ops[method]
			if !ok || op == nil {
				continue
			}
			snap.Endpoints = append(snap.Endpoints, flattenOperation(path, method, item, op))
		}
	}
	return snap
}

func flattenOperation(path, method string, item *openapi3.PathItem, op *openapi3.Operation) models.Endpoint {
	ep := models.Endpoint{
		Method:      method,
		Path:        path,
		OperationID: op.OperationID,
		Tags:        op.Tags,
		HasIDParam:  strings.Contains(path, "{"),
	}

	// security copied verbatim: absent inherits the global requirements,
	// an empty array means explicitly unauthenticated
	switch {
	case op.Security == nil:
		ep.Security = models.Security{Mode: models.SecurityInherit}
	case len(*op.Security) == 0:
		ep.Security = models.Security{Mode: models.SecurityNone}
	default:
		ep.Security = models.Security{
			Mode:         models.SecurityList,
			Requirements: convertRequirements(*op.Security),
		}
	}

	for _, params := range [][]*openapi3.ParameterRef{item.Parameters, op.Parameters} {
		for _, ref := range params {
			if ref == nil || ref.Value == nil {
				continue
			}
			ep.Parameters = append(ep.Parameters, models.Parameter{
				Name:     ref.Value.Name,
				In:       ref.Value.In,
				Required: ref.Value.Required,
			})
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil && len(op.RequestBody.Value.Content) > 0 {
		ep.HasRequestBody = true
		ep.RequestType = pickContentType(op.RequestBody.Value.Content)
	}

	if op.Responses != nil {
		codes := make([]string, 0, op.Responses.Len())
		for code := range op.Responses.Map() {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		ep.Responses = codes
	}

	return ep
}

func pickContentType(content openapi3.Content) string {
	if _, ok := content["application/json"]; ok {
		return "application/json"
	}
	types := make([]string, 0, len(content))
	for ct := range content {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types[0]
}

func convertRequirements(reqs openapi3.SecurityRequirements) []models.SecurityRequirement {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]models.SecurityRequirement, 0, len(reqs))
	for _, r := range reqs {
		m := make(models.SecurityRequirement, len(r))
		for name, scopes := range r {
			m[name] = append([]string(nil), scopes...)
		}
		out = append(out, m)
	}
	return out
}

func normaliseScheme(s *openapi3.SecurityScheme) (models.SecurityScheme, bool) {
	switch {
	case s.Type == "http" && strings.EqualFold(s.Scheme, "basic"):
		return models.SecurityScheme{Kind: models.SchemeHTTPBasic}, true
	case s.Type == "http" && strings.EqualFold(s.Scheme, "bearer"):
		return models.SecurityScheme{Kind: models.SchemeHTTPBearer, BearerFormat: s.BearerFormat}, true
	case s.Type == "apiKey" && s.In == "header":
		return models.SecurityScheme{Kind: models.SchemeAPIKeyHeader, Name: s.Name}, true
	case s.Type == "apiKey" && s.In == "query":
		return models.SecurityScheme{Kind: models.SchemeAPIKeyQuery, Name: s.Name}, true
	default:
		// oauth2/openIdConnect/cookie schemes have no injection variant
		return models.SecurityScheme{}, false
	}
}
