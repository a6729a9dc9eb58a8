package llmadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject_FindsLongestBalancedSpan(t *testing.T) {
	text := `here is the answer: {"summary": "ok", "nested": {"a": 1}} trailing text`
	candidate, ok := extractJSONObject(text)
	require.True(t, ok)
	assert.Equal(t, `{"summary": "ok", "nested": {"a": 1}}`, candidate)
}

func TestExtractJSONObject_NoBraceReturnsFalse(t *testing.T) {
	_, ok := extractJSONObject("no json here at all")
	assert.False(t, ok)
}

func TestExtractJSONObject_IgnoresBracesInsideStrings(t *testing.T) {
	text := `{"summary": "contains a } literal brace", "ok": true}`
	candidate, ok := extractJSONObject(text)
	require.True(t, ok)
	assert.Equal(t, text, candidate)
}

func TestParse_StructuredJSONIsPreferred(t *testing.T) {
	text := `Model reasoning preamble. {"summary": "chest pain workup", "recommendations": ["ecg"]}`
	result := parse(text, StructureGeneral)
	require.NotNil(t, result.Structured)
	assert.Equal(t, "chest pain workup", result.Structured["summary"])
	assert.Greater(t, result.Confidence, 0.5)
}

func TestParse_RepairsSlightlyMalformedJSON(t *testing.T) {
	text := `{"summary": "ok", "recommendations": ["a", "b",]}`
	result := parse(text, StructureGeneral)
	require.NotNil(t, result.Structured)
	assert.Equal(t, "ok", result.Structured["summary"])
}

func TestParse_FallsBackToTextExtractionWhenNotJSON(t *testing.T) {
	text := "The patient should seek treatment. I recommend follow-up with a cardiologist. Studies show good outcomes."
	result := parse(text, StructureGeneral)
	require.NotNil(t, result.Structured)
	assert.Contains(t, result.Structured, "recommendations")
	assert.Contains(t, result.Structured, "evidence")
	assert.Less(t, result.Confidence, 0.8+0.001)
}

func TestStructuredConfidence_CappedAtOne(t *testing.T) {
	structured := map[string]any{"summary": "x", "differentials": "x", "recommendations": "x", "evidence": "x"}
	score := structuredConfidence(structured, StructureDifferentialDiagnosis)
	assert.LessOrEqual(t, score, 1.0)
	assert.Equal(t, 0.9, score)
}

func TestTextConfidence_CappedAtPointEight(t *testing.T) {
	text := "diagnosis treatment symptom patient clinical condition medication therapy evidence recommend"
	score := textConfidence(text)
	assert.Equal(t, 0.8, score)
}

func TestTextConfidence_FloorIsPointThree(t *testing.T) {
	score := textConfidence("nothing medical in this sentence whatsoever")
	assert.Equal(t, 0.3, score)
}

func TestNew_WithNoAPIKeysAlwaysDegradesToSafety(t *testing.T) {
	a := New(Config{})
	result := a.GenerateText(context.Background(), "hello", StructureGeneral)
	assert.Equal(t, ProviderSafety, result.Provider)
	assert.Equal(t, "Medical analysis unavailable", result.Structured["summary"])
	assert.True(t, result.Disclaimer)
}

func TestEstimateTokens_NonEmptyTextIsPositive(t *testing.T) {
	assert.Greater(t, EstimateTokens("a short prompt about chest pain"), 0)
}

func TestEstimateTokens_EmptyTextIsZero(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
}

func TestTruncateToTokens_ShortensLongText(t *testing.T) {
	long := ""
	for i := 0; i < 2000; i++ {
		long += "word "
	}
	truncated := TruncateToTokens(long, 10)
	assert.Less(t, len(truncated), len(long))
}
