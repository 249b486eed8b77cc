package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms/openai"
	langChainPrompts "github.com/tmc/langchaingo/prompts"

	"go-droidagent/pkg/data"
	"go-droidagent/pkg/models"
	"go-droidagent/pkg/prompts"
	"go-droidagent/pkg/template"
)

var (
	ErrEmptyAnswer = errors.New("reasoning service returned no text")

	DecisionPrompt = langChainPrompts.NewPromptTemplate(prompts.DecisionTemplate,
		[]string{"Goal", "Screen", "History", "LastResult", "Directive", "Actions"})
)

// Input is everything the reasoning service sees for one decision.
type Input struct {
	Goal       string
	Screen     models.Screen
	History    []models.AgentStep
	LastResult *models.ActionResult
	Directive  string
}

type Result struct {
	Question string
	Answer   string
	Decision models.Decision
}

type callFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

type Handler struct {
	call    callFunc
	timeout time.Duration
}

func New(chain chains.Chain, timeout time.Duration) *Handler {
	return &Handler{
		call: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return chains.Call(ctx, chain, inputs)
		},
		timeout: timeout,
	}
}

// Decide asks the reasoning service for the next action. Malformed answers
// and unknown action names are returned as errors with the raw answer kept in
// the result.
func (h *Handler) Decide(ctx context.Context, in Input) (Result, error) {
	fields := map[string]any{
		"Goal":       in.Goal,
		"Screen":     FormatScreen(in.Screen),
		"History":    FormatHistory(in.History),
		"LastResult": FormatResult(in.LastResult),
		"Directive":  in.Directive,
		"Actions":    FormatActions(),
	}
	question, err := template.Parse(prompts.DecisionTemplate, fields)
	if err != nil {
		return Result{}, fmt.Errorf("execute: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	completion, err := h.call(ctx, fields)
	if err != nil {
		return Result{Question: question}, fmt.Errorf("call: %w", err)
	}
	answer, _ := completion["text"].(string)
	if answer == "" {
		return Result{Question: question}, ErrEmptyAnswer
	}

	decision, err := ParseDecision(answer)
	if err != nil {
		return Result{Question: question, Answer: answer}, err
	}
	return Result{Question: question, Answer: answer, Decision: decision}, nil
}

type answer struct {
	Action    string `json:"action"`
	Element   *int   `json:"element"`
	Query     string `json:"query"`
	Text      string `json:"text"`
	X         *int   `json:"x"`
	Y         *int   `json:"y"`
	Package   string `json:"package"`
	Direction string `json:"direction"`
	Reasoning string `json:"reasoning"`
}

// ParseDecision extracts the JSON decision from a completion.
func ParseDecision(completion string) (models.Decision, error) {
	match, err := data.SanitizeAnswer(completion)
	if err != nil {
		return models.Decision{}, err
	}
	var ans answer
	if err := json.Unmarshal([]byte(match), &ans); err != nil {
		return models.Decision{}, fmt.Errorf("unmarshal: %w", err)
	}
	kind, err := models.ParseActionKind(ans.Action)
	if err != nil {
		return models.Decision{}, err
	}
	return models.Decision{
		Action: models.ActionDecision{
			Kind:      kind,
			Query:     ans.Query,
			Text:      ans.Text,
			Element:   ans.Element,
			X:         ans.X,
			Y:         ans.Y,
			Package:   ans.Package,
			Direction: ans.Direction,
		},
		Reasoning: ans.Reasoning,
	}, nil
}

// Factory builds handlers for the default reasoning configuration or a
// per-goal override.
type Factory struct {
	model   string
	token   string
	timeout time.Duration
	def     *Handler
}

func NewFactory(model, token string, timeout time.Duration) (*Factory, error) {
	f := &Factory{model: model, token: token, timeout: timeout}
	h, err := f.build(model, token)
	if err != nil {
		return nil, err
	}
	f.def = h
	return f, nil
}

func (f *Factory) For(override *models.ReasonerConfig) (*Handler, error) {
	if override == nil || (override.Model == "" && override.Token == "") {
		return f.def, nil
	}
	model, token := f.model, f.token
	if override.Model != "" {
		model = override.Model
	}
	if override.Token != "" {
		token = override.Token
	}
	return f.build(model, token)
}

func (f *Factory) build(model, token string) (*Handler, error) {
	var opts []openai.Option
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if token != "" {
		opts = append(opts, openai.WithToken(token))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return New(chains.NewLLMChain(llm, DecisionPrompt), f.timeout), nil
}
