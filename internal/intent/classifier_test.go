package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *Classifier {
	c, err := New(Config{})
	require.NoError(t, err)
	return c
}

func TestClassify_DICOMFileShortCircuitsToRadiology(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("take a look at this", []FileDescriptor{{Filename: "scan.dcm", MIME: "application/octet-stream"}})
	assert.Contains(t, a.Tags, TagRadiologyAnalysis)
	assert.Equal(t, "radiology", a.Specialty)
	assert.True(t, a.HasImageUpload)
}

func TestClassify_DICOMDetectedByMIMEAlone(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("please review", []FileDescriptor{{Filename: "noext", MIME: "application/dicom"}})
	assert.Contains(t, a.Tags, TagRadiologyAnalysis)
}

func TestClassify_FilenameHeuristicFiresWithoutDICOM(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("look at this file", []FileDescriptor{{Filename: "chest_xray.png", MIME: "image/png"}})
	assert.Contains(t, a.Tags, TagRadiologyAnalysis)
}

func TestClassify_OutOfVocabularyFundusMapsToGeneralImageAnalysis(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("check this", []FileDescriptor{{Filename: "fundus_photo.jpg", MIME: "image/jpeg"}})
	assert.Contains(t, a.Tags, TagMedicalImageAnalysis)
	assert.Equal(t, "general", a.Specialty)
}

func TestClassify_TextPassMatchesKeywords(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("what medication interacts with my current dosage", nil)
	assert.Contains(t, a.Tags, TagDrugInteraction)
	assert.Equal(t, "pharmacology", a.Specialty)
}

func TestClassify_NoMatchFallsBackToGeneralMedicalQuery(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("hello there", nil)
	assert.Equal(t, []Tag{TagGeneralMedicalQuery}, a.Tags)
	assert.Equal(t, "general", a.Specialty)
}

func TestClassify_UrgencyWordEscalatesToAtLeastHigh(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("patient feels some mild discomfort but also unconscious now", nil)
	assert.True(t, a.HasUrgencyWord)
	assert.Contains(t, []Urgency{UrgencyCritical, UrgencyHigh}, a.Urgency)
}

func TestClassify_EmergencyKeywordsYieldCriticalUrgency(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("patient is unconscious after cardiac arrest", nil)
	assert.Equal(t, UrgencyCritical, a.Urgency)
	assert.Equal(t, "emergency_medicine", a.Specialty)
}

func TestClassify_SpecialtyTieBrokenByPriority(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("chest pain and also a rare genetic disorder", nil)
	assert.Equal(t, "cardiology", a.Specialty)
}

func TestClassify_RequiredToolsProjectedOntoAvailablePool(t *testing.T) {
	c, err := New(Config{AvailableTools: []string{"knowledge-base"}})
	require.NoError(t, err)
	a := c.Classify("recent clinical trial recruiting for cancer patients", nil)
	for _, tool := range a.RequiredTools {
		assert.Equal(t, "knowledge-base", tool)
	}
}

func TestClassify_ConfidenceIsBoundedZeroToOne(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("xray chest scan image attached for cardiac oncology pain diagnosis treatment", []FileDescriptor{{Filename: "chest_xray.png"}})
	assert.GreaterOrEqual(t, a.Confidence, 0.0)
	assert.LessOrEqual(t, a.Confidence, 1.0)
}

func TestClassify_EmptyQueryAndNoFilesStillBounded(t *testing.T) {
	c := newTestClassifier(t)
	a := c.Classify("", nil)
	assert.GreaterOrEqual(t, a.Confidence, 0.0)
	assert.LessOrEqual(t, a.Confidence, 1.0)
}

func TestClassify_MemoizesIdenticalInput(t *testing.T) {
	c := newTestClassifier(t)
	a1 := c.Classify("chest pain", []FileDescriptor{{Filename: "a.png"}})
	a2 := c.Classify("chest pain", []FileDescriptor{{Filename: "a.png"}})
	assert.Equal(t, a1, a2)
}

func TestClassify_DisabledCacheStillWorks(t *testing.T) {
	c, err := New(Config{CacheSize: -1})
	require.NoError(t, err)
	a := c.Classify("chest pain", nil)
	assert.Contains(t, a.Tags, TagCardiologyAnalysis)
}
