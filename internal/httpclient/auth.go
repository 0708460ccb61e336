package httpclient

import (
	"encoding/base64"

	"github.com/jmylchreest/specprobe/internal/models"
)

// Auth variant labels.
const (
	VariantBasicDefault      = "basic-default"
	VariantBogus             = "bogus"
	VariantAPIKeyPlaceholder = "apikey-placeholder"
	APIKeyPlaceholder        = "PLACEHOLDER"
	BogusBearerToken         = "eyJbogus.eyJbogus.sig"
	defaultBasicUser         = "admin"
	defaultBasicPass         = "admin"
)

// Injector applies credential variants to outgoing requests. The
// basic-default variant is only active when the fuzz-auth flag is set.
type Injector struct {
	fuzzAuth bool
}

// NewInjector creates an injector honouring the scan flags.
func NewInjector(flags models.ScanFlags) *Injector {
	return &Injector{fuzzAuth: flags.FuzzAuth}
}

// Apply mutates the request for the given scheme/variant pair. Unknown
// combinations are no-ops.
func (i *Injector) Apply(req *Request, scheme models.SecurityScheme, variant string) {
	switch {
	case scheme.Kind == models.SchemeHTTPBasic && variant == VariantBasicDefault:
		if !i.fuzzAuth {
			return
		}
		cred := base64.StdEncoding.EncodeToString([]byte(defaultBasicUser + ":" + defaultBasicPass))
		setHeader(req, "Authorization", "Basic "+cred)

	case scheme.Kind == models.SchemeHTTPBearer && variant == VariantBogus:
		setHeader(req, "Authorization", "Bearer "+BogusBearerToken)

	case scheme.Kind == models.SchemeAPIKeyHeader && variant == VariantAPIKeyPlaceholder:
		if scheme.Name != "" {
			setHeader(req, scheme.Name, APIKeyPlaceholder)
		}

	case scheme.Kind == models.SchemeAPIKeyQuery && variant == VariantAPIKeyPlaceholder:
		if scheme.Name != "" {
			if req.Query == nil {
				req.Query = make(map[string]string)
			}
			req.Query[scheme.Name] = APIKeyPlaceholder
		}
	}
}

func setHeader(req *Request, key, value string) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers[key] = value
}
