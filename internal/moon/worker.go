// Package moon runs a worker agent against the fabric: it subscribes to
// its own identity, walks each work request through the status lifecycle,
// hands the payload to a Worker and publishes the tool-result reply.
// Every step sits behind a commit marker, so a crashed moon resumes from
// its cursor without duplicating side effects.
package moon

import (
	"context"
	"fmt"
	"strings"

	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// Analysis kinds, chosen from the request text.
const (
	KindSecurityReview  = "security_review"
	KindCodeReview      = "code_review"
	KindTestAnalysis    = "test_analysis"
	KindGeneralAnalysis = "general_analysis"
)

// Request is one unit of work handed to a Worker.
type Request struct {
	Envelope *v1.Envelope
	Text     string
}

// Result is what a Worker produced for a request. CostEstUSD is advisory
// telemetry; zero when the worker has no cost model.
type Result struct {
	Kind       string
	Model      string
	Text       string
	CostEstUSD float64
}

// Worker turns a work request into a result. The runtime calls Handle from
// a single goroutine, one request at a time.
type Worker interface {
	Handle(ctx context.Context, req *Request) (*Result, error)
	Model() string
}

// Classify picks the analysis kind for a request text.
func Classify(text string) string {
	switch {
	case containsAny(text, "security", "vulnerability", "exploit"):
		return KindSecurityReview
	case containsAny(text, "code", "review", "bug", "error"):
		return KindCodeReview
	case containsAny(text, "test", "testing", "qa"):
		return KindTestAnalysis
	default:
		return KindGeneralAnalysis
	}
}

func containsAny(text string, keywords ...string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func kindTitle(kind string) string {
	switch kind {
	case KindSecurityReview:
		return "Security review"
	case KindCodeReview:
		return "Code review"
	case KindTestAnalysis:
		return "Test analysis"
	default:
		return "Analysis"
	}
}

// EchoWorker is the deterministic worker: no external calls, a stable
// result derived from the request text. It backs tests and serves as the
// fallback when no model is configured.
type EchoWorker struct{}

// NewEchoWorker creates a deterministic worker.
func NewEchoWorker() *EchoWorker {
	return &EchoWorker{}
}

// Model identifies the deterministic worker in telemetry.
func (w *EchoWorker) Model() string { return "deterministic" }

// Handle produces a stable summary for the request. It never fails.
func (w *EchoWorker) Handle(ctx context.Context, req *Request) (*Result, error) {
	kind := Classify(req.Text)
	return &Result{
		Kind:  kind,
		Model: w.Model(),
		Text:  fmt.Sprintf("%s completed for %q", kindTitle(kind), snippet(req.Text, 80)),
	}, nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
