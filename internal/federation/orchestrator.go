package federation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/intent"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/llmadapter"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/phi"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/toolpool"
)

// defaultPlanHeadroom is subtracted from the request deadline to derive
// every plan entry's own deadline (spec §4.10 step 1).
const defaultPlanHeadroom = 2 * time.Second

// defaultFanOutConcurrency bounds how many plan entries run at once.
const defaultFanOutConcurrency = 8

// Config configures an Orchestrator.
type Config struct {
	Pool              *toolpool.Pool
	Adapter           *llmadapter.Adapter
	Scrubber          *phi.Scrubber
	AuditSink         *audit.Sink
	Tracer            *TracerProvider
	Logger            logging.Logger
	PlanHeadroom      time.Duration
	FanOutConcurrency int64
}

// Orchestrator implements the Federation Orchestrator (C10): the
// synthesis pipeline called by the chat handler.
type Orchestrator struct {
	pool         *toolpool.Pool
	adapter      *llmadapter.Adapter
	scrubber     *phi.Scrubber
	sink         *audit.Sink
	tracer       *TracerProvider
	logger       logging.Logger
	planHeadroom time.Duration
	fanOutSem    *semaphore.Weighted
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	headroom := cfg.PlanHeadroom
	if headroom == 0 {
		headroom = defaultPlanHeadroom
	}
	concurrency := cfg.FanOutConcurrency
	if concurrency == 0 {
		concurrency = defaultFanOutConcurrency
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = NewTracerProvider()
	}
	return &Orchestrator{
		pool:         cfg.Pool,
		adapter:      cfg.Adapter,
		scrubber:     cfg.Scrubber,
		sink:         cfg.AuditSink,
		tracer:       tracer,
		logger:       logging.OrNop(cfg.Logger),
		planHeadroom: headroom,
		fanOutSem:    semaphore.NewWeighted(concurrency),
	}
}

// Synthesize runs the full nine-step pipeline. It never returns an error:
// total upstream failure degrades to a SafetyResponse-shaped
// SynthesizedResponse, per spec §7's never-"succeed silently on nothing,
// never hide the failure" posture. Every invocation emits an audit
// record regardless of outcome.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) *SynthesizedResponse {
	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, SpanSynthesize,
		attribute.String(AttrSessionHash, audit.HashSessionID(req.SessionID)),
		attribute.String(AttrSpecialty, req.Intent.Specialty),
		attribute.String(AttrUrgency, string(req.Intent.Urgency)),
		attribute.Int(AttrToolCount, len(req.Intent.RequiredTools)),
	)
	defer span.End()

	plan := o.plan(req)

	var wg sync.WaitGroup
	var evidence *EvidenceBundle
	var imageFindings []Finding
	var imageConfidences map[string]float64

	wg.Add(1)
	go func() {
		defer wg.Done()
		evidence = o.fanOut(ctx, plan)
	}()

	if req.Image != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			imageFindings, imageConfidences = o.imageBranch(ctx, req)
		}()
	}
	wg.Wait()

	hint := responseHintFor(req.Intent)
	prompt := assemblePrompt(req, evidence, hint)

	llmCtx, llmSpan := o.tracer.StartSpan(ctx, SpanLLMCall)
	llmDeadline := req.Deadline
	if llmDeadline.IsZero() {
		llmDeadline = time.Now().Add(30 * time.Second)
	}
	callCtx, cancel := context.WithDeadline(llmCtx, llmDeadline)
	result := o.adapter.GenerateText(callCtx, prompt, hint)
	cancel()
	llmSpan.End()

	response := o.merge(req, result, evidence, imageFindings, imageConfidences, plan)
	o.deriveSafetyAlerts(req, response)
	o.scrubOutbound(response)

	outcome := "success"
	if result.Provider == llmadapter.ProviderSafety && len(evidence.Results) == 0 {
		outcome = "degraded"
		span.SetStatus(codes.Error, "no evidence and no LLM result")
	}
	o.auditSynthesis(req, response, plan, time.Since(start), outcome)

	return response
}

// plan produces (clientName, method, args) triples from
// IntentAnalysis.requiredTools (spec §4.10 step 1). The imaging tool is
// excluded here: it is driven by the image branch instead.
func (o *Orchestrator) plan(req Request) []PlanEntry {
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(30 * time.Second)
	}
	entryDeadline := deadline.Add(-o.planHeadroom)

	tools := make([]string, 0, len(req.Intent.RequiredTools))
	for _, t := range req.Intent.RequiredTools {
		if t == string(toolpool.NameImaging) {
			continue
		}
		tools = append(tools, t)
	}
	sort.Strings(tools)

	hasDrugInteraction := false
	for _, tag := range req.Intent.Tags {
		if tag == intent.TagDrugInteraction {
			hasDrugInteraction = true
			break
		}
	}

	entries := make([]PlanEntry, 0, len(tools))
	for _, t := range tools {
		name := toolpool.Name(t)
		method, args := planMethodFor(name, req.Query, hasDrugInteraction)
		entries = append(entries, PlanEntry{
			Client:   name,
			Method:   method,
			Args:     args,
			Deadline: entryDeadline,
		})
	}
	return entries
}

func planMethodFor(name toolpool.Name, query string, hasDrugInteraction bool) (string, map[string]any) {
	switch name {
	case toolpool.NameLiteratureIndex:
		return "search", map[string]any{"query": query}
	case toolpool.NameCitations:
		return "lookup", map[string]any{"query": query}
	case toolpool.NameClinicalTrials:
		return "search", map[string]any{"condition": query}
	case toolpool.NameKnowledgeBase:
		if hasDrugInteraction {
			return "drugInteraction", map[string]any{"query": query}
		}
		return "guidelines", map[string]any{"query": query}
	default:
		return "query", map[string]any{"query": query}
	}
}

// fanOut issues every plan entry in parallel. No entry's failure cancels
// the others (spec §4.10 step 2).
func (o *Orchestrator) fanOut(ctx context.Context, plan []PlanEntry) *EvidenceBundle {
	ctx, span := o.tracer.StartSpan(ctx, SpanFanOut, attribute.Int(AttrToolCount, len(plan)))
	defer span.End()

	bundle := newEvidenceBundle()
	if o.pool == nil || len(plan) == 0 {
		return bundle
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, entry := range plan {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.fanOutSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer o.fanOutSem.Release(1)

			client := o.pool.Client(entry.Client)
			if client == nil {
				mu.Lock()
				bundle.Errors[entry.Client] = &ToolError{Class: "unconfigured", Message: fmt.Sprintf("no client configured for %s", entry.Client)}
				mu.Unlock()
				return
			}
			began := time.Now()
			payload, err := client.Call(ctx, entry.Method, entry.Args, entry.Deadline)
			duration := time.Since(began)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				bundle.Errors[entry.Client] = &ToolError{Class: classifyToolErr(err), Message: err.Error()}
				return
			}
			bundle.Results[entry.Client] = &ToolResult{Payload: payload, Duration: duration, Confidence: 0.8}
		}()
	}
	wg.Wait()
	return bundle
}

func classifyToolErr(err error) string {
	return fmt.Sprintf("%T", err)
}

// imageBranch runs the LLM Adapter's vision capability and an imaging
// tool call in parallel, merging their outputs by concatenating findings
// with attribution (spec §4.10 step 3).
func (o *Orchestrator) imageBranch(ctx context.Context, req Request) ([]Finding, map[string]float64) {
	ctx, span := o.tracer.StartSpan(ctx, SpanImageBranch)
	defer span.End()

	var wg sync.WaitGroup
	var visionResult *llmadapter.Result
	var toolPayload any
	var toolErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		prompt := fmt.Sprintf("Analyze the attached medical image for the query: %s", req.Query)
		visionResult = o.adapter.AnalyzeImage(ctx, prompt, req.ImageBytes, req.ImageMIME, llmadapter.StructureImageAnalysis)
	}()

	if o.pool != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := o.pool.Client(toolpool.NameImaging)
			if client == nil {
				toolErr = fmt.Errorf("imaging client not configured")
				return
			}
			deadline := req.Deadline
			if deadline.IsZero() {
				deadline = time.Now().Add(30 * time.Second)
			}
			toolPayload, toolErr = client.Call(ctx, "analyze", map[string]any{"artifactId": req.Image.ID}, deadline)
		}()
	}
	wg.Wait()

	var findings []Finding
	confidences := make(map[string]float64)
	if visionResult != nil {
		if summary, ok := visionResult.Structured["summary"].(string); ok && summary != "" {
			findings = append(findings, Finding{Text: summary, Origin: "llm-vision"})
		}
		confidences["llm-vision"] = visionResult.Confidence
	}
	if toolErr == nil && toolPayload != nil {
		findings = append(findings, Finding{Text: fmt.Sprintf("%v", toolPayload), Origin: "imaging-tool"})
		confidences["imaging-tool"] = 0.8
	}
	return findings, confidences
}

// merge combines the LLM structured output, the EvidenceBundle, and the
// image-branch output into a SynthesizedResponse (spec §4.10 step 6).
func (o *Orchestrator) merge(req Request, llmResult *llmadapter.Result, evidence *EvidenceBundle, imageFindings []Finding, imageConfidences map[string]float64, plan []PlanEntry) *SynthesizedResponse {
	response := &SynthesizedResponse{
		Structured:        llmResult.Structured,
		SourceConfidences: make(map[string]float64),
		Timestamp:         time.Now().UTC(),
		Disclaimer:        llmResult.Disclaimer,
		Intent:            req.Intent,
	}

	if summary, ok := llmResult.Structured["summary"].(string); ok {
		response.Summary = summary
	}
	response.Findings = append(response.Findings, Finding{Text: response.Summary, Origin: "llm"})
	response.Recommendations = append(response.Recommendations, toStringSlice(llmResult.Structured["recommendations"])...)
	response.SourceConfidences["llm"] = llmResult.Confidence

	for _, name := range sortedEvidenceKeys(evidence) {
		if r, ok := evidence.Results[name]; ok {
			response.Findings = append(response.Findings, Finding{
				Text:   fmt.Sprintf("%s: %v", name, r.Payload),
				Origin: string(name),
			})
			response.SourceConfidences[string(name)] = r.Confidence
		} else if _, ok := evidence.Errors[name]; ok && llmResult.Provider != llmadapter.ProviderSafety {
			// The safety provider already carries the fixed SafetyResponse
			// literal (spec §7, Glossary); annotating it with per-source
			// failures here would break the exact-match invariant S3 relies
			// on when both the tools and the LLM are down.
			response.Summary = strings.TrimSpace(response.Summary + fmt.Sprintf(" (missing source: %s)", name))
		}
	}

	response.Findings = append(response.Findings, imageFindings...)
	for source, conf := range imageConfidences {
		response.SourceConfidences[source] = conf
	}

	response.Confidence = meanConfidence(response.SourceConfidences)
	return response
}

func meanConfidence(sourceConfidences map[string]float64) float64 {
	if len(sourceConfidences) == 0 {
		return 0
	}
	var sum float64
	for _, c := range sourceConfidences {
		sum += c
	}
	return sum / float64(len(sourceConfidences))
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

// deriveSafetyAlerts implements spec §4.10 step 7: derivable purely from
// IntentAnalysis and the in-progress SynthesizedResponse.
func (o *Orchestrator) deriveSafetyAlerts(req Request, response *SynthesizedResponse) {
	var alerts []SafetyAlert

	if req.Intent.Urgency == intent.UrgencyCritical {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertKindEmergency,
			Level:   AlertLevelCritical,
			Message: "This query indicates a potential medical emergency.",
			Action:  "Call emergency services or go to the nearest emergency room immediately",
		})
	}

	if req.Image != nil {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertKindImageAnalysis,
			Level:   AlertLevelHigh,
			Message: "This response includes automated analysis of a medical image.",
			Action:  "Have the image reviewed by a qualified specialist before acting on this analysis",
		})
	}

	for _, tag := range req.Intent.Tags {
		if tag == intent.TagDrugInteraction {
			alerts = append(alerts, SafetyAlert{
				Kind:    AlertKindMedicationSafety,
				Level:   AlertLevelHigh,
				Message: "This response concerns potential drug interactions.",
				Action:  "Confirm any medication change with a pharmacist or prescribing clinician",
			})
			break
		}
	}

	if response.Confidence < 0.6 {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertKindLowConfidence,
			Level:   AlertLevelMedium,
			Message: "Confidence in this synthesized response is below the reliable threshold.",
			Action:  "Treat this response as a starting point, not a conclusion",
		})
	}

	response.SafetyAlerts = alerts
}

// scrubOutbound applies the PHI Scrubber to every free-text field before
// the response leaves the orchestrator (spec §4.10 step 8).
func (o *Orchestrator) scrubOutbound(response *SynthesizedResponse) {
	if o.scrubber == nil {
		return
	}
	scrubbed, _ := o.scrubber.ScrubString(response.Summary)
	response.Summary = scrubbed

	for i, f := range response.Findings {
		scrubbedText, _ := o.scrubber.ScrubString(f.Text)
		response.Findings[i].Text = scrubbedText
	}
	for i, r := range response.Recommendations {
		scrubbedText, _ := o.scrubber.ScrubString(r)
		response.Recommendations[i] = scrubbedText
	}
	if response.Structured != nil {
		scrubbedValue, _ := o.scrubber.ScrubValue(response.Structured)
		if m, ok := scrubbedValue.(map[string]any); ok {
			response.Structured = m
		}
	}
}

// auditSynthesis emits the medical-query record (spec §4.10 step 9).
func (o *Orchestrator) auditSynthesis(req Request, response *SynthesizedResponse, plan []PlanEntry, duration time.Duration, outcome string) {
	if o.sink == nil {
		return
	}
	tags := make([]string, 0, len(req.Intent.Tags))
	for _, t := range req.Intent.Tags {
		tags = append(tags, string(t))
	}
	tools := make([]string, 0, len(plan))
	for _, p := range plan {
		tools = append(tools, string(p.Client))
	}

	o.sink.Emit(audit.Record{
		Timestamp:   time.Now().UTC(),
		Kind:        audit.KindMedicalQuery,
		Severity:    audit.SeverityNormal,
		SessionHash: audit.HashSessionID(req.SessionID),
		Resource:    "federation.synthesize",
		Action:      "synthesize",
		Outcome:     outcome,
		Fields: map[string]any{
			"intentTags":     tags,
			"specialty":      req.Intent.Specialty,
			"urgency":        string(req.Intent.Urgency),
			"tools":          tools,
			"durationMillis": duration.Milliseconds(),
			"confidence":     response.Confidence,
			"alertCount":     len(response.SafetyAlerts),
		},
	})
}

// SafetyResponse builds the fixed-shape degraded response returned when
// neither upstream evidence nor an LLM result is available (spec §7,
// Glossary).
func SafetyResponse(req Request) *SynthesizedResponse {
	return &SynthesizedResponse{
		Summary:           SafetyResponseSummary,
		Structured:        map[string]any{"summary": SafetyResponseSummary},
		Recommendations:   []string{"Please consult with a healthcare professional"},
		Confidence:        0,
		SourceConfidences: map[string]float64{},
		Timestamp:         time.Now().UTC(),
		Disclaimer:        true,
		Intent:            req.Intent,
	}
}
