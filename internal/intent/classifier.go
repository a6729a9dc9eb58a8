// Package intent implements the Intent Classifier (C7): a pure,
// deterministic, table-driven mapping from a query and its uploaded
// files to an IntentAnalysis. The closed intent vocabulary and its
// specialty/urgency/tool associations live in vocabulary.go; this file
// holds only the algorithm from spec §4.7.
package intent

import (
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Urgency is the closed urgency set, ordered by severity.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

var urgencyRank = map[Urgency]int{
	UrgencyCritical: 4,
	UrgencyHigh:     3,
	UrgencyMedium:   2,
	UrgencyLow:      1,
}

func maxUrgency(a, b Urgency) Urgency {
	if urgencyRank[a] >= urgencyRank[b] {
		return a
	}
	return b
}

// FileDescriptor is one uploaded file's classifier-relevant metadata.
type FileDescriptor struct {
	Filename string
	MIME     string
}

// Analysis is the IntentAnalysis output (spec §3).
type Analysis struct {
	Tags              []Tag
	Specialty         string
	Urgency           Urgency
	RequiredTools     []string
	Confidence        float64
	HasImageUpload    bool
	HasSymptoms       bool
	HasMedications    bool
	HasTimeReference  bool
	HasUrgencyWord    bool
	HasImageReference bool
}

// Classifier is the stateless algorithm plus an optional memoization
// cache, since repeated identical (query, files) pairs are common across
// a conversation tail.
type Classifier struct {
	availableTools map[string]struct{}
	cache          *lru.Cache[string, Analysis]
}

// Config configures a Classifier.
type Config struct {
	AvailableTools []string // defaults to the full closed vocabulary
	CacheSize      int      // 0 means 256; a negative value disables the cache
}

// New builds a Classifier.
func New(cfg Config) (*Classifier, error) {
	tools := cfg.AvailableTools
	if tools == nil {
		tools = []string{"literature-index", "citations", "clinical-trials", "knowledge-base", "imaging"}
	}
	available := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		available[t] = struct{}{}
	}

	c := &Classifier{availableTools: available}
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 256
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, Analysis](cacheSize)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c, nil
}

var normalizeRe = regexp.MustCompile(`[^a-z0-9]+`)

func normalize(text string) string {
	lower := strings.ToLower(text)
	return strings.TrimSpace(normalizeRe.ReplaceAllString(lower, " "))
}

// Classify runs the algorithm from spec §4.7 over query and files.
func (c *Classifier) Classify(query string, files []FileDescriptor) Analysis {
	key := cacheKey(query, files)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached
		}
	}

	normalized := normalize(query)
	contributing := make(map[Tag]struct{})

	// 1. Image-first rule: a DICOM marker short-circuits the file scan.
	dicomFound := false
	for _, f := range files {
		if isDICOM(f) {
			contributing[TagRadiologyAnalysis] = struct{}{}
			dicomFound = true
			break
		}
	}

	// 2. Filename heuristics (skipped entirely once a DICOM file fired).
	if !dicomFound {
		for _, f := range files {
			if tag, ok := matchFilename(f.Filename); ok {
				contributing[tag] = struct{}{}
			}
		}
	}

	// 3. Text pass: score every known tag, keep any with score > 0.
	scores := make(map[Tag]float64)
	for _, def := range vocabulary {
		if len(def.Keywords) == 0 {
			continue
		}
		matches := 0
		for _, kw := range def.Keywords {
			if strings.Contains(normalized, kw) {
				matches++
			}
		}
		if matches > 0 {
			scores[def.Tag] = float64(matches) / float64(len(def.Keywords))
			contributing[def.Tag] = struct{}{}
		}
	}

	tags := make([]Tag, 0, len(contributing))
	for tag := range contributing {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if scores[tags[i]] != scores[tags[j]] {
			return scores[tags[i]] > scores[tags[j]]
		}
		return tags[i] < tags[j]
	})

	hasImageUpload := len(files) > 0
	flags := deriveFlags(normalized, hasImageUpload)

	// 4. Specialty resolution: most-specific non-general specialty wins
	// ties via the fixed priority list.
	specialty := resolveSpecialty(tags)

	// 5. Urgency resolution: max across contributing tags.
	urgency := UrgencyLow
	for _, tag := range tags {
		urgency = maxUrgency(urgency, vocabularyByTag[tag].Urgency)
	}
	if flags.HasUrgencyWord {
		urgency = maxUrgency(urgency, UrgencyHigh)
	}

	// 6. Required tools: union projected onto available pool membership.
	toolSet := make(map[string]struct{})
	for _, tag := range tags {
		for _, tool := range vocabularyByTag[tag].Tools {
			if _, ok := c.availableTools[tool]; ok {
				toolSet[tool] = struct{}{}
			}
		}
	}
	tools := make([]string, 0, len(toolSet))
	for t := range toolSet {
		tools = append(tools, t)
	}
	sort.Strings(tools)

	if len(tags) == 0 {
		tags = []Tag{TagGeneralMedicalQuery}
		specialty = "general"
		for _, tool := range vocabularyByTag[TagGeneralMedicalQuery].Tools {
			if _, ok := c.availableTools[tool]; ok {
				tools = append(tools, tool)
			}
		}
		sort.Strings(tools)
	}

	// 7. Confidence: bounded sum of terms, clamped to [0,1].
	confidence := confidenceScore(tags, flags, normalized)

	result := Analysis{
		Tags:              tags,
		Specialty:         specialty,
		Urgency:           urgency,
		RequiredTools:     tools,
		Confidence:        confidence,
		HasImageUpload:    hasImageUpload,
		HasSymptoms:       flags.HasSymptoms,
		HasMedications:    flags.HasMedications,
		HasTimeReference:  flags.HasTimeReference,
		HasUrgencyWord:    flags.HasUrgencyWord,
		HasImageReference: flags.HasImageReference,
	}

	if c.cache != nil {
		c.cache.Add(key, result)
	}
	return result
}

func cacheKey(query string, files []FileDescriptor) string {
	var b strings.Builder
	b.WriteString(normalize(query))
	for _, f := range files {
		b.WriteString("|")
		b.WriteString(strings.ToLower(f.Filename))
		b.WriteString(":")
		b.WriteString(strings.ToLower(f.MIME))
	}
	return b.String()
}

func isDICOM(f FileDescriptor) bool {
	lowerName := strings.ToLower(f.Filename)
	lowerMIME := strings.ToLower(f.MIME)
	return strings.HasSuffix(lowerName, ".dcm") || strings.Contains(lowerMIME, "dicom")
}

func matchFilename(filename string) (Tag, bool) {
	lower := strings.ToLower(filename)
	for _, rule := range filenameRules {
		for _, substr := range rule.Substrings {
			if strings.Contains(lower, substr) {
				return rule.Tag, true
			}
		}
	}
	return "", false
}

func resolveSpecialty(tags []Tag) string {
	best := "general"
	bestRank := specialtyPriority["general"]
	for _, tag := range tags {
		sp := vocabularyByTag[tag].Specialty
		if sp == "general" {
			continue
		}
		rank, ok := specialtyPriority[sp]
		if !ok {
			continue
		}
		if rank < bestRank {
			best = sp
			bestRank = rank
		}
	}
	return best
}

type flagSet struct {
	HasSymptoms       bool
	HasMedications    bool
	HasTimeReference  bool
	HasUrgencyWord    bool
	HasImageReference bool
}

var symptomWords = []string{"pain", "fever", "nausea", "fatigue", "cough", "symptom", "ache", "dizziness", "swelling"}
var medicationWords = []string{"medication", "drug", "dose", "dosage", "prescription", "mg", "tablet"}
var timeWords = []string{"today", "yesterday", "days ago", "week", "weeks", "month", "months", "hour", "hours", "since", "started on"}
var urgencyWords = []string{"emergency", "critical", "unconscious", "seizure", "severe", "not breathing", "cardiac arrest", "stroke", "can't breathe"}
var imageReferenceWords = []string{"image", "picture", "photo", "scan", "x-ray", "xray", "attached", "uploaded"}

func deriveFlags(normalized string, hasImageUpload bool) flagSet {
	return flagSet{
		HasSymptoms:       containsAny(normalized, symptomWords),
		HasMedications:    containsAny(normalized, medicationWords),
		HasTimeReference:  containsAny(normalized, timeWords),
		HasUrgencyWord:    containsAny(normalized, urgencyWords),
		HasImageReference: hasImageUpload || containsAny(normalized, imageReferenceWords),
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

var medicalDensityWords = []string{
	"pain", "diagnosis", "treatment", "symptom", "medication", "disease", "patient",
	"clinical", "therapy", "condition", "chronic", "acute", "syndrome",
}

func confidenceScore(tags []Tag, flags flagSet, normalized string) float64 {
	if len(tags) == 0 {
		return 0
	}
	score := 0.4

	hasImageIntent := false
	for _, tag := range tags {
		if vocabularyByTag[tag].IsImageIntent {
			hasImageIntent = true
			break
		}
	}
	if hasImageIntent && flags.HasImageReference {
		score += 0.2
	}
	if len(tags) > 1 {
		score += 0.1
	}

	words := strings.Fields(normalized)
	if len(words) > 0 {
		hits := 0
		for _, w := range words {
			for _, mw := range medicalDensityWords {
				if w == mw {
					hits++
					break
				}
			}
		}
		density := float64(hits) / float64(len(words))
		score += 0.3 * density
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
