// Package llmadapter implements the LLM Adapter (C9): primary/fallback
// text generation and vision analysis against an OpenAI-compatible
// endpoint, structured-output extraction with a repair fallback, and a
// bounded confidence score for whatever shape of answer comes back.
package llmadapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
)

// StructureHint is the closed set of response-structure hints the
// caller can request from the model (spec §4.9).
type StructureHint string

const (
	StructureGeneral               StructureHint = "general"
	StructureDifferentialDiagnosis StructureHint = "differential-diagnosis"
	StructureTreatmentPlanning     StructureHint = "treatment-planning"
	StructureImageAnalysis         StructureHint = "image-analysis"
	StructureEmergencyAssessment   StructureHint = "emergency-assessment"
	StructureDrugTherapy           StructureHint = "drug-therapy"
	StructureResearchAnalysis      StructureHint = "research-analysis"
	StructurePatientEducation      StructureHint = "patient-education"
	StructureSpecialtyConsultation StructureHint = "specialty-consultation"
)

// expectedFields lists the fields a well-formed structured payload is
// expected to carry for each hint; used only for confidence scoring, not
// validation.
var expectedFields = map[StructureHint][]string{
	StructureGeneral:               {"summary", "recommendations"},
	StructureDifferentialDiagnosis:  {"summary", "differentials", "recommendations", "evidence"},
	StructureTreatmentPlanning:      {"summary", "treatment_options", "recommendations"},
	StructureImageAnalysis:          {"summary", "findings", "recommendations"},
	StructureEmergencyAssessment:    {"summary", "safety", "recommendations"},
	StructureDrugTherapy:            {"summary", "interactions", "recommendations"},
	StructureResearchAnalysis:       {"summary", "evidence", "recommendations"},
	StructurePatientEducation:       {"summary", "recommendations"},
	StructureSpecialtyConsultation:  {"summary", "recommendations", "evidence"},
}

// Provider identifies which endpoint produced a Result.
type Provider string

const (
	ProviderPrimary  Provider = "primary"
	ProviderFallback Provider = "fallback"
	ProviderSafety   Provider = "safety"
)

// Result is the adapter's output for both text and vision calls.
type Result struct {
	Structured  map[string]any
	RawText     string
	Confidence  float64
	Provider    Provider
	Disclaimer  bool
	PromptTokens     int
	CompletionTokens int
}

// endpoint is one OpenAI-compatible target (primary or fallback).
type endpoint struct {
	client *openai.Client
	model  string
}

// Config configures an Adapter.
type Config struct {
	PrimaryAPIKey    string
	PrimaryBaseURL   string
	PrimaryModel     string
	FallbackAPIKey   string
	FallbackBaseURL  string
	FallbackModel    string
	CallTimeout      time.Duration
	RequireDisclaimer bool
	Logger           logging.Logger
}

// Adapter calls a primary LLM endpoint, falling back to a secondary on
// error or deadline, and normalizes whatever the model returns.
type Adapter struct {
	primary   *endpoint
	fallback  *endpoint
	timeout   time.Duration
	requireDisclaimer bool
	logger    logging.Logger
}

// New builds an Adapter. A missing fallback API key disables the
// fallback endpoint; callers then only ever see the primary's error
// before degrading to a SafetyResponse.
func New(cfg Config) *Adapter {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	a := &Adapter{
		timeout:           timeout,
		requireDisclaimer: cfg.RequireDisclaimer,
		logger:            logging.OrNop(cfg.Logger),
	}
	if cfg.PrimaryAPIKey != "" {
		a.primary = newEndpoint(cfg.PrimaryAPIKey, cfg.PrimaryBaseURL, cfg.PrimaryModel)
	}
	if cfg.FallbackAPIKey != "" {
		a.fallback = newEndpoint(cfg.FallbackAPIKey, cfg.FallbackBaseURL, cfg.FallbackModel)
	}
	return a
}

func newEndpoint(apiKey, baseURL, model string) *endpoint {
	oaCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oaCfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &endpoint{client: openai.NewClientWithConfig(oaCfg), model: model}
}

// generationParams are spec §4.9's fixed sampling parameters; these are
// configuration values in the sense that they live in one place, not
// that they vary per call.
const (
	temperature = 0.1
	topP        = 0.8
	maxTokens   = 2048
)

// disclaimerText is appended to every response when the configuration
// flag requires it.
const disclaimerText = "This information is provided for general educational purposes and does not constitute medical advice. Consult a licensed healthcare professional for diagnosis or treatment decisions."

// GenerateText runs the text-generation capability: primary first, then
// fallback, then a degraded-but-well-formed SafetyResponse. It never
// returns an error — callers always get a Result.
func (a *Adapter) GenerateText(ctx context.Context, prompt string, hint StructureHint) *Result {
	return a.call(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, hint)
}

// AnalyzeImage runs the vision-analysis capability: the same
// primary/fallback/safety pattern, with the normalized image bytes
// (from the Image Preprocessor) attached as a data URI.
func (a *Adapter) AnalyzeImage(ctx context.Context, prompt string, imageBytes []byte, imageMIME string, hint StructureHint) *Result {
	dataURI := fmt.Sprintf("data:%s;base64,%s", imageMIME, base64.StdEncoding.EncodeToString(imageBytes))
	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURI}},
			},
		},
	}
	return a.call(ctx, messages, hint)
}

func (a *Adapter) call(ctx context.Context, messages []openai.ChatCompletionMessage, hint StructureHint) *Result {
	if a.primary != nil {
		if result, err := a.callEndpoint(ctx, a.primary, messages, hint, ProviderPrimary); err == nil {
			return result
		} else {
			a.logger.Warn("primary LLM call failed: %v", err)
		}
	}
	if a.fallback != nil {
		if result, err := a.callEndpoint(ctx, a.fallback, messages, hint, ProviderFallback); err == nil {
			return result
		} else {
			a.logger.Warn("fallback LLM call failed: %v", err)
		}
	}
	return a.safetyResult()
}

func (a *Adapter) callEndpoint(ctx context.Context, ep *endpoint, messages []openai.ChatCompletionMessage, hint StructureHint, provider Provider) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := ep.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       ep.model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm endpoint returned no choices")
	}

	text := resp.Choices[0].Message.Content
	result := parse(text, hint)
	result.Provider = provider
	result.PromptTokens = resp.Usage.PromptTokens
	result.CompletionTokens = resp.Usage.CompletionTokens
	if a.requireDisclaimer {
		result.Disclaimer = true
	}
	return result, nil
}

func (a *Adapter) safetyResult() *Result {
	return &Result{
		Structured: map[string]any{
			"summary":         "Medical analysis unavailable",
			"recommendations": []string{"Please consult with a healthcare professional"},
		},
		RawText:    "Medical analysis unavailable",
		Confidence: 0,
		Provider:   ProviderSafety,
		Disclaimer: true,
	}
}

// parse implements spec §4.9's parsing policy: locate the longest
// balanced-brace JSON object in the output; on failure, fall back to a
// keyword-marker text scan.
func parse(text string, hint StructureHint) *Result {
	if candidate, ok := extractJSONObject(text); ok {
		if structured, ok := tryUnmarshal(candidate); ok {
			return &Result{
				Structured: structured,
				RawText:    text,
				Confidence: structuredConfidence(structured, hint),
			}
		}
	}
	return &Result{
		Structured: extractTextSections(text),
		RawText:    text,
		Confidence: textConfidence(text),
	}
}

func tryUnmarshal(candidate string) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
		return parsed, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// extractJSONObject returns the longest substring of text that forms a
// balanced-brace span, starting at the first '{'.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	bestEnd := -1
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				bestEnd = i
			}
		}
	}
	if bestEnd == -1 {
		return "", false
	}
	return text[start : bestEnd+1], true
}

var markerWords = map[string][]string{
	"summary":         {"summary:", "in summary", "overall"},
	"recommendations": {"recommend", "suggest", "advise"},
	"safety":          {"caution", "warning", "urgent", "seek immediate"},
	"evidence":        {"study", "studies", "evidence", "research shows"},
}

// extractTextSections derives summary/recommendations/safety/evidence
// sections from unstructured model output by scanning sentences for
// marker words, in source order within each section.
func extractTextSections(text string) map[string]any {
	sentences := splitSentences(text)
	sections := map[string][]string{"summary": nil, "recommendations": nil, "safety": nil, "evidence": nil}
	for _, sentence := range sentences {
		lower := strings.ToLower(sentence)
		for section, markers := range markerWords {
			for _, marker := range markers {
				if strings.Contains(lower, marker) {
					sections[section] = append(sections[section], strings.TrimSpace(sentence))
					break
				}
			}
		}
	}
	out := make(map[string]any, len(sections))
	for k, v := range sections {
		if len(v) > 0 {
			out[k] = v
		}
	}
	if len(sentences) > 0 {
		out["summary_text"] = strings.TrimSpace(sentences[0])
	}
	return out
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '\n' || r == '!' || r == '?'
	})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// structuredConfidence: base 0.5 + 0.1 per present expected field,
// capped at 1.0.
func structuredConfidence(structured map[string]any, hint StructureHint) float64 {
	present := 0
	for _, field := range expectedFields[hint] {
		if _, ok := structured[field]; ok {
			present++
		}
	}
	score := 0.5 + 0.1*float64(present)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

var medicalKeywords = []string{
	"diagnosis", "treatment", "symptom", "patient", "clinical", "condition",
	"medication", "therapy", "evidence", "recommend",
}

// textConfidence: base 0.3 plus fractional coverage of medical
// keywords, capped at 0.8.
func textConfidence(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range medicalKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	coverage := float64(hits) / float64(len(medicalKeywords))
	score := 0.3 + coverage
	if score > 0.8 {
		score = 0.8
	}
	return score
}
