package phi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubString_Categories(t *testing.T) {
	s := New("")

	cases := []struct {
		name string
		text string
		want Category
	}{
		{"ssn", "patient ssn is 123-45-6789", CategorySSN},
		{"phone", "call me at 415-555-0199", CategoryPhone},
		{"email", "reach me at jane.doe@example.com", CategoryEmail},
		{"mrn", "MRN: 00123456 on file", CategoryMRN},
		{"date", "seen on 2024-03-02", CategoryDate},
		{"address", "123 Main Street apt 4", CategoryAddress},
		{"zip", "zip code 94107", CategoryZIP},
		{"credit_card", "card 4111111111111111", CategoryCreditCard},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, report := s.ScrubString(tc.text)
			assert.Contains(t, out, DefaultToken)
			assert.Greater(t, report.Counts[tc.want], 0, "expected category %s to fire", tc.want)
		})
	}
}

func TestScrubString_Idempotent(t *testing.T) {
	s := New("")
	text := "SSN 123-45-6789, email jane@example.com, MRN: 123456789"

	once, _ := s.ScrubString(text)
	twice, _ := s.ScrubString(once)

	assert.Equal(t, once, twice)
}

func TestScrubString_NoFalsePositiveOnPlainText(t *testing.T) {
	s := New("")
	out, report := s.ScrubString("the patient reports mild headache and fatigue")
	assert.Equal(t, "the patient reports mild headache and fatigue", out)
	assert.False(t, report.Found())
}

func TestReport_FoundExcludesNamesBigram(t *testing.T) {
	s := New("")
	_, report := s.ScrubString("John Smith came in today")
	assert.Greater(t, report.Counts[CategoryNamesBigram], 0)
	assert.False(t, report.Found(), "names bigram alone must not trip Found()")
}

func TestReport_FoundTrueWithRealPHI(t *testing.T) {
	s := New("")
	_, report := s.ScrubString("ssn 123-45-6789")
	assert.True(t, report.Found())
}

func TestScrubValue_DenylistKeysRedactedOutright(t *testing.T) {
	s := New("")
	in := map[string]any{
		"email":     "jane@example.com",
		"firstName": "Jane",
		"notes":     "patient is stable",
		"nested": map[string]any{
			"ssn": "123-45-6789",
		},
		"tags": []any{"stable", "Jane Doe"},
	}

	out, _ := s.ScrubValue(in)
	m, ok := out.(map[string]any)
	require.True(t, ok)

	assert.Equal(t, DefaultToken, m["email"])
	assert.Equal(t, DefaultToken, m["firstName"])
	assert.Equal(t, "patient is stable", m["notes"])

	nested, ok := m["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, DefaultToken, nested["ssn"])

	tags, ok := m["tags"].([]any)
	require.True(t, ok)
	assert.Equal(t, "stable", tags[0])
	assert.Contains(t, tags[1], DefaultToken)
}

func TestScrubValue_PassesScalarsThrough(t *testing.T) {
	s := New("")
	in := map[string]any{
		"age":     42,
		"active":  true,
		"missing": nil,
	}
	out, _ := s.ScrubValue(in)
	m := out.(map[string]any)
	assert.Equal(t, 42, m["age"])
	assert.Equal(t, true, m["active"])
	assert.Nil(t, m["missing"])
}

func TestNew_DefaultsToken(t *testing.T) {
	s := New("")
	assert.Equal(t, DefaultToken, s.token)
}

func TestNew_CustomToken(t *testing.T) {
	s := New("***")
	out, _ := s.ScrubString("ssn 123-45-6789")
	assert.Contains(t, out, "***")
}
