// Package httpapi implements the HTTP Surface (C11): a thin gin layer
// that binds the endpoint table in spec §6 to the gateway's components.
// Handlers do no synthesis; they parse, call one orchestration method,
// and return its result.
package httpapi

import "time"

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type chatRequest struct {
	Message             string `form:"message"`
	PatientContext      string `form:"patientContext"`
	ConversationHistory string `form:"conversationHistory"`
}

type differentialDiagnosisRequest struct {
	ClinicalData string `json:"clinicalData" binding:"required"`
}

type clinicalTrialsRequest struct {
	Condition        string         `json:"condition" binding:"required"`
	PatientCriteria  map[string]any `json:"patientCriteria"`
}

type drugInteractionsRequest struct {
	Medications []string `json:"medications" binding:"required"`
	NewDrug     string   `json:"newDrug"`
}

type imageAnalysisRequest struct {
	ClinicalContext string `form:"clinicalContext"`
	AnalysisOptions string `form:"analysisOptions"`
}

type synthesizedResponseDTO struct {
	Summary           string             `json:"summary"`
	Structured        map[string]any     `json:"structured,omitempty"`
	Findings          []findingDTO       `json:"findings"`
	Recommendations   []string           `json:"recommendations"`
	SafetyAlerts      []safetyAlertDTO   `json:"safetyAlerts"`
	Confidence        float64            `json:"confidence"`
	SourceConfidences map[string]float64 `json:"sourceConfidences,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Disclaimer        bool               `json:"disclaimer"`
	Intent            intentDTO          `json:"intent"`
}

type findingDTO struct {
	Text   string `json:"text"`
	Origin string `json:"origin"`
}

type safetyAlertDTO struct {
	Kind    string `json:"kind"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

type intentDTO struct {
	Tags          []string `json:"tags"`
	Specialty     string   `json:"specialty"`
	Urgency       string   `json:"urgency"`
	RequiredTools []string `json:"requiredTools"`
	Confidence    float64  `json:"confidence"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Tools     map[string]string `json:"tools,omitempty"`
}

type toolsResponse struct {
	Capabilities []string          `json:"capabilities"`
	Status       map[string]string `json:"status"`
}

type complianceReportResponse struct {
	Timeframe      string         `json:"timeframe"`
	RecordCount    int            `json:"recordCount"`
	KindCounts     map[string]int `json:"kindCounts"`
	SeverityCounts map[string]int `json:"severityCounts"`
	GeneratedAt    time.Time      `json:"generatedAt"`
}
