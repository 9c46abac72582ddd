package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"signal-desk/internal/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

const defaultOpenAIModel = openai.ChatModelGPT4oMini

// MarketInputs are the numeric inputs an advisor reasons over.
type MarketInputs struct {
	FearGreedIndex   int
	BTCDominance     string
	BreadthDirection domain.BreadthDirection
}

type Advice struct {
	Direction  domain.AIDirection
	Confidence int
	Reasoning  string
}

type Advisor interface {
	Advise(ctx context.Context, in MarketInputs) (Advice, error)
}

// HeuristicAdvisor derives a direction from sentiment and breadth alone.
type HeuristicAdvisor struct{}

func (HeuristicAdvisor) Advise(_ context.Context, in MarketInputs) (Advice, error) {
	score := 0
	switch {
	case in.FearGreedIndex >= 60:
		score++
	case in.FearGreedIndex <= 40:
		score--
	}
	switch in.BreadthDirection {
	case domain.BreadthBullish:
		score++
	case domain.BreadthBearish:
		score--
	}

	distance := in.FearGreedIndex - 50
	if distance < 0 {
		distance = -distance
	}
	advice := Advice{Direction: domain.AIDirectionNeutral, Confidence: 30}
	switch {
	case score >= 2:
		advice = Advice{Direction: domain.AIDirectionLong, Confidence: 50 + distance}
	case score <= -2:
		advice = Advice{Direction: domain.AIDirectionShort, Confidence: 50 + distance}
	case score == 1:
		advice = Advice{Direction: domain.AIDirectionLong, Confidence: 35}
	case score == -1:
		advice = Advice{Direction: domain.AIDirectionShort, Confidence: 35}
	}
	if advice.Confidence > 95 {
		advice.Confidence = 95
	}
	advice.Reasoning = fmt.Sprintf("heuristic: fear&greed %d, breadth %s", in.FearGreedIndex, in.BreadthDirection)
	return advice, nil
}

const advisorSystemPrompt = `You are a crypto market analyst. Given market sentiment inputs, answer with a single JSON object:
{"direction":"LONG|SHORT|NEUTRAL","confidence":0-100,"reasoning":"one short sentence"}. No other text.`

// OpenAIAdvisor asks a chat model for a directional bias.
type OpenAIAdvisor struct {
	tracer trace.Tracer
	client openai.Client
	model  string
}

func NewOpenAIAdvisor(tracer trace.Tracer, apiKey, model string, opts ...option.RequestOption) *OpenAIAdvisor {
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &OpenAIAdvisor{
		tracer: tracer,
		client: openai.NewClient(reqOpts...),
		model:  model,
	}
}

func (a *OpenAIAdvisor) Advise(ctx context.Context, in MarketInputs) (Advice, error) {
	ctx, span := a.tracer.Start(ctx, "openai-advisor.advise")
	defer span.End()

	prompt := fmt.Sprintf("Fear & Greed index: %d\nBTC dominance: %s%%\n24h breadth: %s",
		in.FearGreedIndex, in.BTCDominance, in.BreadthDirection)
	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(advisorSystemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		span.RecordError(err)
		return Advice{}, fmt.Errorf("openai advisor: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Advice{}, errors.New("openai advisor: empty choices")
	}
	return parseAdvice(completion.Choices[0].Message.Content)
}

// parseAdvice accepts the JSON object optionally wrapped in a markdown fence.
func parseAdvice(content string) (Advice, error) {
	content = strings.TrimSpace(content)
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}
	if !gjson.Valid(content) {
		return Advice{}, fmt.Errorf("advisor reply is not json: %q", content)
	}
	parsed := gjson.Parse(content)
	advice := Advice{
		Direction:  domain.AIDirection(strings.ToUpper(strings.TrimSpace(parsed.Get("direction").String()))),
		Confidence: int(parsed.Get("confidence").Int()),
		Reasoning:  strings.TrimSpace(parsed.Get("reasoning").String()),
	}
	switch advice.Direction {
	case domain.AIDirectionLong, domain.AIDirectionShort, domain.AIDirectionNeutral:
	default:
		return Advice{}, fmt.Errorf("advisor returned unknown direction %q", advice.Direction)
	}
	return advice, nil
}
