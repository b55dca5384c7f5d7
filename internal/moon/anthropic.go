package moon

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
)

// DefaultModel is used when the worker config names no model.
const DefaultModel = "claude-sonnet-4-20250514"

// Per-million-token prices behind the advisory cost estimate.
const (
	inputUSDPerMTok  = 3.0
	outputUSDPerMTok = 15.0
)

// AnthropicWorker sends each request to the Anthropic API with a prompt
// chosen by analysis kind. On any API failure it degrades to the
// deterministic result instead of failing the request; the reply then
// carries model "fallback" in its telemetry.
type AnthropicWorker struct {
	client   anthropic.Client
	model    anthropic.Model
	fallback *EchoWorker
	logger   *logger.Logger
}

// NewAnthropicWorker creates a model-backed worker. An empty model selects
// DefaultModel.
func NewAnthropicWorker(apiKey, model string, log *logger.Logger) *AnthropicWorker {
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = logger.Default()
	}
	return &AnthropicWorker{
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:    anthropic.Model(model),
		fallback: NewEchoWorker(),
		logger:   log.WithFields(zap.String("component", "anthropic-worker")),
	}
}

// Model returns the configured model id.
func (w *AnthropicWorker) Model() string { return string(w.model) }

// Handle calls the model and extracts the text blocks of its reply.
func (w *AnthropicWorker) Handle(ctx context.Context, req *Request) (*Result, error) {
	kind := Classify(req.Text)

	resp, err := w.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       w.model,
		MaxTokens:   1500,
		Temperature: anthropic.Float(0.3),
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(promptFor(kind, req.Text))},
		}},
	})
	if err != nil {
		w.logger.Warn("model call failed, using deterministic result",
			zap.String("kind", kind),
			zap.Error(err))
		return w.degrade(ctx, req)
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		w.logger.Warn("model returned no text content", zap.String("kind", kind))
		return w.degrade(ctx, req)
	}

	cost := float64(resp.Usage.InputTokens)*inputUSDPerMTok/1e6 +
		float64(resp.Usage.OutputTokens)*outputUSDPerMTok/1e6
	return &Result{
		Kind:       kind,
		Model:      string(w.model),
		Text:       text.String(),
		CostEstUSD: cost,
	}, nil
}

func (w *AnthropicWorker) degrade(ctx context.Context, req *Request) (*Result, error) {
	res, err := w.fallback.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Model = "fallback"
	return res, nil
}

func promptFor(kind, text string) string {
	var role, asks string
	switch kind {
	case KindSecurityReview:
		role = "You are a senior security analyst."
		asks = "security considerations and potential vulnerabilities, a risk assessment, and specific recommendations"
	case KindCodeReview:
		role = "You are a senior software engineer conducting a code review."
		asks = "code quality assessment, potential bugs, performance considerations, and refactoring suggestions"
	case KindTestAnalysis:
		role = "You are a QA engineer."
		asks = "a testing strategy, test cases to consider, tooling recommendations, and risk areas"
	default:
		role = "You are a technical consultant."
		asks = "an analysis of the request, approach recommendations, potential challenges, and success criteria"
	}
	return fmt.Sprintf("%s Analyze the following request and provide %s. Be thorough and actionable.\n\nRequest: %s", role, asks, text)
}
