package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownModel is returned when no pricing entry matches a model name.
var ErrUnknownModel = errors.New("unknown model")

// ErrInvalidEstimate is returned for estimate requests with impossible values.
var ErrInvalidEstimate = errors.New("invalid estimate request")

// Pricing is the USD price per 1,000 tokens for one model family.
type Pricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

var pricing = map[string]Pricing{
	"gpt-3.5-turbo":          {Prompt: 0.0005, Completion: 0.0015},
	"gpt-3.5-turbo-16k":      {Prompt: 0.003, Completion: 0.004},
	"gpt-3.5-turbo-instruct": {Prompt: 0.0015, Completion: 0.002},
	"gpt-4":                  {Prompt: 0.03, Completion: 0.06},
	"gpt-4-32k":              {Prompt: 0.06, Completion: 0.12},
	"gpt-4-turbo":            {Prompt: 0.01, Completion: 0.03},
	"gpt-4o":                 {Prompt: 0.005, Completion: 0.02},
	"gpt-4o-mini":            {Prompt: 0.0006, Completion: 0.0024},
}

// pricedModels lists the pricing keys longest first, so prefix lookup finds
// the most specific family.
var pricedModels = func() []string {
	names := make([]string, 0, len(pricing))
	for name := range pricing {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}()

// PricingFor returns the pricing for model. Dated or suffixed names such as
// "gpt-4o-2024-08-06" fall back to the longest known prefix.
func PricingFor(model string) (Pricing, error) {
	if p, ok := pricing[model]; ok {
		return p, nil
	}
	for _, base := range pricedModels {
		if strings.HasPrefix(model, base) {
			return pricing[base], nil
		}
	}
	return Pricing{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// EstimateCost returns the USD cost of a call with the given token counts.
func EstimateCost(promptTokens, completionTokens int, model string) (float64, error) {
	p, err := PricingFor(model)
	if err != nil {
		return 0, err
	}
	return float64(promptTokens)/1000*p.Prompt + float64(completionTokens)/1000*p.Completion, nil
}

// CountTokens approximates the token count of text as its number of
// whitespace-separated words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Estimate is the cost of sending one prompt.
type Estimate struct {
	PromptTokenCount int     `json:"prompt_token_count"`
	Cost             float64 `json:"cost"`
}

// EstimatePrompt counts the tokens of prompt and prices it together with up
// to maxCompletionTokens of reply.
func EstimatePrompt(prompt, model string, maxCompletionTokens int) (Estimate, error) {
	if maxCompletionTokens < 0 {
		return Estimate{}, fmt.Errorf("%w: negative max_completion_tokens", ErrInvalidEstimate)
	}
	n := CountTokens(prompt)
	cost, err := EstimateCost(n, maxCompletionTokens, model)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{PromptTokenCount: n, Cost: cost}, nil
}
