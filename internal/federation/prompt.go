package federation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/intent"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/llmadapter"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/toolpool"
)

// systemPrompts maps a specialty to the fixed system-prompt preamble
// selected at prompt-assembly step 4. Every member of the closed
// specialty set (spec Glossary) has an entry; unknown specialties fall
// back to the general preamble.
var systemPrompts = map[string]string{
	"cardiology":          "You are a clinical research assistant specializing in cardiology. Ground every statement in the evidence provided and flag uncertainty explicitly.",
	"neurology":           "You are a clinical research assistant specializing in neurology. Ground every statement in the evidence provided and flag uncertainty explicitly.",
	"oncology":            "You are a clinical research assistant specializing in oncology. Ground every statement in the evidence provided and flag uncertainty explicitly.",
	"radiology":           "You are a clinical research assistant specializing in radiology. Describe imaging findings precisely and avoid definitive diagnosis from a single study.",
	"dermatology":         "You are a clinical research assistant specializing in dermatology. Describe visual findings precisely and avoid definitive diagnosis from a single image.",
	"pathology":           "You are a clinical research assistant specializing in pathology. Describe specimen findings precisely and avoid definitive diagnosis from a single image.",
	"emergency_medicine":  "You are a clinical research assistant supporting an emergency assessment. Prioritize safety-critical information and direct the user to emergency services when appropriate.",
	"pharmacology":        "You are a clinical research assistant specializing in pharmacology and drug interactions. Be exact about interaction severity and cite the evidence.",
	"research":            "You are a clinical research assistant summarizing literature and trial evidence. Distinguish established findings from preliminary or single-study results.",
	"genetics":            "You are a clinical research assistant specializing in rare and genetic conditions. Be explicit about diagnostic uncertainty given disease rarity.",
	"general":             "You are a clinical research assistant. Ground every statement in the evidence provided and flag uncertainty explicitly.",
}

func systemPromptFor(specialty string) string {
	if p, ok := systemPrompts[specialty]; ok {
		return p
	}
	return systemPrompts["general"]
}

// responseHintFor resolves the LLM Adapter's response-structure hint from
// an IntentAnalysis, in a fixed priority order so the same analysis
// always yields the same hint.
func responseHintFor(a intent.Analysis) llmadapter.StructureHint {
	has := func(tag intent.Tag) bool {
		for _, t := range a.Tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	switch {
	case a.Urgency == intent.UrgencyCritical || has(intent.TagEmergencyAssessment):
		return llmadapter.StructureEmergencyAssessment
	case a.HasImageUpload:
		return llmadapter.StructureImageAnalysis
	case has(intent.TagDifferentialDiagnosis):
		return llmadapter.StructureDifferentialDiagnosis
	case has(intent.TagDrugInteraction):
		return llmadapter.StructureDrugTherapy
	case has(intent.TagTreatmentOptions):
		return llmadapter.StructureTreatmentPlanning
	case has(intent.TagLiteratureSearch), has(intent.TagClinicalTrials), has(intent.TagRareDisease):
		return llmadapter.StructureResearchAnalysis
	case has(intent.TagGeneralMedicalQuery):
		return llmadapter.StructurePatientEducation
	default:
		return llmadapter.StructureSpecialtyConsultation
	}
}

// assemblePrompt builds the single prompt sent to the LLM Adapter's text
// capability: system prompt, patient context JSON, per-source evidence
// JSON under uppercased headers, the user query last, and a response-
// structure instruction (spec §4.10 step 4).
func assemblePrompt(req Request, evidence *EvidenceBundle, hint llmadapter.StructureHint) string {
	var b strings.Builder

	b.WriteString(systemPromptFor(req.Intent.Specialty))
	b.WriteString("\n\n")

	if len(req.PatientContext) > 0 {
		b.WriteString("PATIENT CONTEXT:\n")
		b.WriteString(toJSON(req.PatientContext))
		b.WriteString("\n\n")
	}

	if len(req.ConversationTail) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		b.WriteString(toJSON(req.ConversationTail))
		b.WriteString("\n\n")
	}

	for _, name := range sortedEvidenceKeys(evidence) {
		header := strings.ToUpper(strings.ReplaceAll(string(name), "-", "_"))
		b.WriteString(header)
		b.WriteString(":\n")
		if r, ok := evidence.Results[name]; ok {
			b.WriteString(toJSON(r.Payload))
		} else if e, ok := evidence.Errors[name]; ok {
			b.WriteString(toJSON(map[string]string{"error": e.Class, "message": e.Message}))
		}
		b.WriteString("\n\n")
	}

	b.WriteString("USER QUERY:\n")
	b.WriteString(req.Query)
	b.WriteString("\n\n")

	b.WriteString(responseStructureInstruction(hint))
	return b.String()
}

func sortedEvidenceKeys(evidence *EvidenceBundle) []toolpool.Name {
	set := make(map[toolpool.Name]struct{})
	for name := range evidence.Results {
		set[name] = struct{}{}
	}
	for name := range evidence.Errors {
		set[name] = struct{}{}
	}
	out := make([]toolpool.Name, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func responseStructureInstruction(hint llmadapter.StructureHint) string {
	return fmt.Sprintf("Respond with a JSON object appropriate for a %s response. Include a \"summary\" field and, where applicable, \"differentials\", \"recommendations\", \"safety\", and \"evidence\" fields.", hint)
}
