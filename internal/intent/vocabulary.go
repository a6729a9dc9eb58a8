package intent

// Tag is a member of the closed intent vocabulary (spec Glossary).
// Implementations may add tags only through configuration, never by
// hard-coding a new one into the algorithm in classifier.go.
type Tag string

const (
	TagRadiologyAnalysis       Tag = "RADIOLOGY_ANALYSIS"
	TagDermatologyAnalysis     Tag = "DERMATOLOGY_ANALYSIS"
	TagPathologyAnalysis       Tag = "PATHOLOGY_ANALYSIS"
	TagMedicalImageAnalysis    Tag = "MEDICAL_IMAGE_ANALYSIS"
	TagDifferentialDiagnosis   Tag = "DIFFERENTIAL_DIAGNOSIS"
	TagSymptomAnalysis         Tag = "SYMPTOM_ANALYSIS"
	TagTreatmentOptions        Tag = "TREATMENT_OPTIONS"
	TagDrugInteraction         Tag = "DRUG_INTERACTION"
	TagLiteratureSearch        Tag = "LITERATURE_SEARCH"
	TagClinicalTrials          Tag = "CLINICAL_TRIALS"
	TagGuidelinesLookup        Tag = "GUIDELINES_LOOKUP"
	TagRareDisease             Tag = "RARE_DISEASE"
	TagEmergencyAssessment     Tag = "EMERGENCY_ASSESSMENT"
	TagCardiologyAnalysis      Tag = "CARDIOLOGY_ANALYSIS"
	TagNeurologyAnalysis       Tag = "NEUROLOGY_ANALYSIS"
	TagOncologyAnalysis        Tag = "ONCOLOGY_ANALYSIS"
	TagGeneralMedicalQuery     Tag = "GENERAL_MEDICAL_QUERY"
)

// definition is one vocabulary entry: the tag's keyword set for the text
// pass, its specialty/urgency/required-tools tuple, and whether it's an
// image-bearing intent (used by the confidence formula's image-reference
// bonus).
type definition struct {
	Tag           Tag
	Keywords      []string
	Specialty     string
	Urgency       Urgency
	Tools         []string
	IsImageIntent bool
}

var vocabulary = []definition{
	{
		Tag:           TagRadiologyAnalysis,
		Keywords:      []string{"xray", "x-ray", "ct scan", " ct ", "mri", "radiograph", "radiology", "chest film", "imaging study"},
		Specialty:     "radiology",
		Urgency:       UrgencyMedium,
		Tools:         []string{"imaging", "knowledge-base"},
		IsImageIntent: true,
	},
	{
		Tag:           TagDermatologyAnalysis,
		Keywords:      []string{"skin", "rash", "lesion", "mole", "dermoscopy", "dermatology", "eczema", "psoriasis"},
		Specialty:     "dermatology",
		Urgency:       UrgencyLow,
		Tools:         []string{"imaging", "knowledge-base"},
		IsImageIntent: true,
	},
	{
		Tag:           TagPathologyAnalysis,
		Keywords:      []string{"biopsy", "pathology", "histology", "specimen", "cytology"},
		Specialty:     "pathology",
		Urgency:       UrgencyMedium,
		Tools:         []string{"imaging", "knowledge-base"},
		IsImageIntent: true,
	},
	{
		Tag:           TagMedicalImageAnalysis,
		Keywords:      []string{"image", "photo", "picture"},
		Specialty:     "general",
		Urgency:       UrgencyMedium,
		Tools:         []string{"imaging"},
		IsImageIntent: true,
	},
	{
		Tag:       TagDifferentialDiagnosis,
		Keywords:  []string{"differential diagnosis", "differential", "rule out", "diagnosis"},
		Specialty: "general",
		Urgency:   UrgencyMedium,
		Tools:     []string{"literature-index", "knowledge-base", "clinical-trials"},
	},
	{
		Tag:       TagSymptomAnalysis,
		Keywords:  []string{"symptom", "symptoms", "pain", "fever", "nausea", "fatigue", "cough"},
		Specialty: "general",
		Urgency:   UrgencyMedium,
		Tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		Tag:       TagTreatmentOptions,
		Keywords:  []string{"treatment", "therapy", "treatment options", "management plan"},
		Specialty: "general",
		Urgency:   UrgencyMedium,
		Tools:     []string{"literature-index", "knowledge-base", "clinical-trials"},
	},
	{
		Tag:       TagDrugInteraction,
		Keywords:  []string{"drug interaction", "medication interaction", "interacts with", "drug-drug", "dosage"},
		Specialty: "pharmacology",
		Urgency:   UrgencyHigh,
		Tools:     []string{"knowledge-base"},
	},
	{
		Tag:       TagLiteratureSearch,
		Keywords:  []string{"literature", "research study", "published", "publication", "studies show"},
		Specialty: "research",
		Urgency:   UrgencyLow,
		Tools:     []string{"literature-index", "citations"},
	},
	{
		Tag:       TagClinicalTrials,
		Keywords:  []string{"clinical trial", "clinical trials", "enroll", "recruiting", "trial eligibility"},
		Specialty: "research",
		Urgency:   UrgencyLow,
		Tools:     []string{"clinical-trials", "literature-index"},
	},
	{
		Tag:       TagGuidelinesLookup,
		Keywords:  []string{"guideline", "guidelines", "protocol", "recommended practice"},
		Specialty: "general",
		Urgency:   UrgencyLow,
		Tools:     []string{"knowledge-base", "literature-index"},
	},
	{
		Tag:       TagRareDisease,
		Keywords:  []string{"rare disease", "orphan disease", "genetic disorder", "rare condition"},
		Specialty: "genetics",
		Urgency:   UrgencyMedium,
		Tools:     []string{"literature-index", "knowledge-base", "clinical-trials"},
	},
	{
		Tag:       TagEmergencyAssessment,
		Keywords:  []string{"emergency", "unconscious", "seizure", "cardiac arrest", "severe bleeding", "not breathing", "stroke symptoms"},
		Specialty: "emergency_medicine",
		Urgency:   UrgencyCritical,
		Tools:     []string{"knowledge-base"},
	},
	{
		Tag:       TagCardiologyAnalysis,
		Keywords:  []string{"chest pain", "cardiac", "heart", "arrhythmia", "palpitations", "cardiology"},
		Specialty: "cardiology",
		Urgency:   UrgencyHigh,
		Tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		Tag:       TagNeurologyAnalysis,
		Keywords:  []string{"headache", "seizure", "neurological", "numbness", "tremor", "neurology"},
		Specialty: "neurology",
		Urgency:   UrgencyHigh,
		Tools:     []string{"literature-index", "knowledge-base"},
	},
	{
		Tag:       TagOncologyAnalysis,
		Keywords:  []string{"cancer", "tumor", "oncology", "malignant", "chemotherapy", "biopsy"},
		Specialty: "oncology",
		Urgency:   UrgencyHigh,
		Tools:     []string{"literature-index", "knowledge-base", "clinical-trials"},
	},
	{
		Tag:       TagGeneralMedicalQuery,
		Keywords:  []string{"health", "medical question", "advice", "wondering"},
		Specialty: "general",
		Urgency:   UrgencyLow,
		Tools:     []string{"literature-index", "knowledge-base"},
	},
}

var vocabularyByTag = func() map[Tag]definition {
	m := make(map[Tag]definition, len(vocabulary))
	for _, d := range vocabulary {
		m[d.Tag] = d
	}
	return m
}()

// filenameRule maps an uploaded-file filename substring to a tag, for
// the step-2 filename heuristic. Checked in order; first match wins.
type filenameRule struct {
	Substrings []string
	Tag        Tag
}

var filenameRules = []filenameRule{
	{Substrings: []string{"xray", "x-ray", "chest"}, Tag: TagRadiologyAnalysis},
	{Substrings: []string{"ct"}, Tag: TagRadiologyAnalysis},
	{Substrings: []string{"mri"}, Tag: TagRadiologyAnalysis},
	{Substrings: []string{"dermoscopy", "skin"}, Tag: TagDermatologyAnalysis},
	{Substrings: []string{"pathology", "biopsy"}, Tag: TagPathologyAnalysis},
	// fundus/OCT images are ophthalmic, a specialty outside the closed
	// set; they fall back to the generic image-analysis tag rather than
	// being mis-tagged as radiology or invented into a new specialty.
	{Substrings: []string{"fundus", "oct"}, Tag: TagMedicalImageAnalysis},
}

// specialtyPriority fixes the tie-break order for specialty resolution
// (spec §4.7 step 4): lower rank wins.
var specialtyPriority = map[string]int{
	"emergency_medicine": 0,
	"oncology":           1,
	"cardiology":         2,
	"neurology":          3,
	"radiology":          4,
	"pathology":          5,
	"dermatology":        6,
	"genetics":           7,
	"pharmacology":       8,
	"research":           9,
	"general":            10,
}
