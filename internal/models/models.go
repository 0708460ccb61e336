// Package models defines the domain models for the scanner: the endpoint
// view extracted from an OpenAPI document, findings with their evidence, and
// the job/scan records shared through the work queue.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies a finding by its score bucket.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
)

// OWASP API Security Top 10 rule identifiers.
const (
	RuleBOLA           = "API1"
	RuleBrokenAuth     = "API2"
	RuleDataExposure   = "API3"
	RuleNoRateLimit    = "API4"
	RuleBFLA           = "API5"
	RuleMassAssignment = "API6"
	RuleMisconfig      = "API7"
	RuleInjection      = "API8"
	RuleInventory      = "API9"
	RuleNoLogging      = "API10"
)

// SecuritySchemeKind identifies how credentials are transported.
type SecuritySchemeKind string

const (
	SchemeHTTPBasic    SecuritySchemeKind = "http-basic"
	SchemeHTTPBearer   SecuritySchemeKind = "http-bearer"
	SchemeAPIKeyHeader SecuritySchemeKind = "api-key-header"
	SchemeAPIKeyQuery  SecuritySchemeKind = "api-key-query"
)

// SecurityScheme is a normalised OpenAPI security scheme. Name carries the
// header/query parameter name for api-key schemes and is empty otherwise.
type SecurityScheme struct {
	Kind         SecuritySchemeKind `json:"kind"`
	Name         string             `json:"name,omitempty"`
	BearerFormat string             `json:"bearer_format,omitempty"`
}

// SecurityMode distinguishes the three meanings of an operation's security
// field: absent (inherit global), empty array (explicitly unauthenticated),
// or a list of scheme requirements.
type SecurityMode string

const (
	SecurityInherit SecurityMode = "inherit"
	SecurityNone    SecurityMode = "none"
	SecurityList    SecurityMode = "list"
)

// SecurityRequirement maps scheme name to required scopes, as in OpenAPI.
type SecurityRequirement map[string][]string

// Security is an operation's effective security declaration.
type Security struct {
	Mode         SecurityMode          `json:"mode"`
	Requirements []SecurityRequirement `json:"requirements,omitempty"`
}

// Parameter is a declared operation parameter.
type Parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required,omitempty"`
}

// Endpoint is one path × method pair flattened from the spec.
type Endpoint struct {
	Method         string      `json:"method"`
	Path           string      `json:"path"`
	OperationID    string      `json:"operation_id,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Security       Security    `json:"security"`
	Parameters     []Parameter `json:"parameters,omitempty"`
	HasRequestBody bool        `json:"has_request_body,omitempty"`
	RequestType    string      `json:"request_type,omitempty"` // request body content type
	Responses      []string    `json:"responses,omitempty"`    // documented status codes
	HasIDParam     bool        `json:"has_id_param,omitempty"` // path contains a {...} template
}

// SpecSnapshot is the immutable endpoint/security view of one OpenAPI
// document. Endpoint order is deterministic and survives serialisation.
type SpecSnapshot struct {
	Title          string                    `json:"title"`
	Version        string                    `json:"version"`
	Servers        []string                  `json:"servers,omitempty"`
	GlobalSecurity []SecurityRequirement     `json:"global_security,omitempty"`
	Schemes        map[string]SecurityScheme `json:"schemes,omitempty"`
	Endpoints      []Endpoint                `json:"endpoints"`
}

// BaseURL returns the override when given, otherwise the first server URL.
func (s *SpecSnapshot) BaseURL(override string) string {
	if override != "" {
		return override
	}
	if len(s.Servers) > 0 {
		return s.Servers[0]
	}
	return ""
}

// HTTPRequest is the request half of captured evidence, recorded as sent.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is the response half of captured evidence. Body holds at most
// 100 KiB plus a truncation marker.
type HTTPResponse struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Size      int64             `json:"size"`
	ElapsedMS int64             `json:"elapsed_ms"`
}

// Evidence is the reproducible proof attached to a finding. Extra carries
// probe-specific payloads that have no fixed field.
type Evidence struct {
	Request        HTTPRequest    `json:"request"`
	Response       HTTPResponse   `json:"response"`
	AuthContext    string         `json:"auth_context"`
	ProbeName      string         `json:"probe_name"`
	Timestamp      time.Time      `json:"timestamp"`
	CurlCommand    string         `json:"curl_command"`
	Steps          []string       `json:"steps"`
	WhyVulnerable  string         `json:"why_vulnerable"`
	AttackScenario string         `json:"attack_scenario"`
	PocReferences  []string       `json:"poc_references"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Finding asserts that one endpoint exhibits one rule's behavioural signal.
type Finding struct {
	Rule        string   `json:"rule"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Score       float64  `json:"score"`
	Endpoint    string   `json:"endpoint"`
	Method      string   `json:"method"`
	Description string   `json:"description"`
	Evidence    Evidence `json:"evidence"`
}

// Fingerprint identifies a finding for dedup purposes.
func (f *Finding) Fingerprint() string {
	return f.Rule + " " + f.Method + " " + f.Endpoint
}

// ScanFlags are the scan-wide probe toggles.
type ScanFlags struct {
	Dangerous bool `json:"dangerous"`
	FuzzAuth  bool `json:"fuzz_auth"`
}

// JobStatus represents the status of a chunk job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one chunk of a scan dispatched through the queue.
type Job struct {
	ID            string     `json:"id"`
	ScanID        string     `json:"scan_id"`
	ChunkID       int        `json:"chunk_id"`
	SpecLocation  string     `json:"spec_location"`
	ServerURL     string     `json:"server_url"`
	Rate          float64    `json:"rate"`
	RequestBudget int        `json:"request_budget"`
	Flags         ScanFlags  `json:"flags"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	Phase         string     `json:"phase,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	FindingsCount int        `json:"findings_count"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ScanStatus represents the aggregate status of a scan.
type ScanStatus string

const (
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s ScanStatus) Terminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

// ScanRecord is the orchestrator-owned aggregate over a scan's jobs.
type ScanRecord struct {
	ID              string     `json:"id"`
	ServerURL       string     `json:"server_url"`
	SpecRef         string     `json:"spec_ref"`
	Rate            float64    `json:"rate"`
	RequestBudget   int        `json:"request_budget"`
	Flags           ScanFlags  `json:"flags"`
	TotalChunks     int        `json:"total_chunks"`
	CompletedChunks int        `json:"completed_chunks"`
	JobIDs          []string   `json:"job_ids"`
	Status          ScanStatus `json:"status"`
	Progress        int        `json:"progress"`
	FindingsCount   int        `json:"findings_count"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ScanRequest is the caller-supplied input for one scan.
type ScanRequest struct {
	ServerURL     string    `json:"server_url,omitempty"`
	SpecRef       string    `json:"spec_ref,omitempty"`
	SpecData      []byte    `json:"spec_data,omitempty"` // inline document, used when SpecRef is empty
	Rate          float64   `json:"rate"`
	RequestBudget int       `json:"request_budget"`
	Flags         ScanFlags `json:"flags"`
}

// Validate checks the request against the allowed parameter ranges.
func (r *ScanRequest) Validate() error {
	if r.SpecRef == "" && len(r.SpecData) == 0 {
		return fmt.Errorf("spec reference or inline spec is required")
	}
	if r.Rate < 0.1 || r.Rate > 10 {
		return fmt.Errorf("rate must be between 0.1 and 10, got %v", r.Rate)
	}
	if r.RequestBudget < 1 || r.RequestBudget > 500 {
		return fmt.Errorf("request budget must be between 1 and 500, got %d", r.RequestBudget)
	}
	return nil
}

// Worker registry statuses.
const (
	WorkerStatusReady = "ready"
	WorkerStatusBusy  = "busy"
)

// WorkerInfo is one entry in the shared worker registry.
type WorkerInfo struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"last_update"`
	CurrentJob string    `json:"current_job,omitempty"`
}

// AuthContext renders the human-readable auth description stored in
// evidence, e.g. "bearer/bogus" or "none".
func AuthContext(scheme SecuritySchemeKind, variant string) string {
	if variant == "" {
		return "none"
	}
	kind := strings.TrimPrefix(string(scheme), "http-")
	return kind + "/" + variant
}
