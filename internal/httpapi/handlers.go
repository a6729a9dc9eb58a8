package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/apierr"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/federation"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/imaging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/intent"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/session"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/toolpool"
)

func (s *Server) handleIdentity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "medical-research-gateway",
		"version": Version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startedAt).String(),
		Timestamp: time.Now().UTC(),
		Version:   Version,
	}
	if s.deps.Pool != nil {
		resp.Tools = toolStatusStrings(s.deps.Pool.Status())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMedicalHealth(c *gin.Context) {
	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startedAt).String(),
		Timestamp: time.Now().UTC(),
	}
	if s.deps.Pool != nil {
		resp.Tools = toolStatusStrings(s.deps.Pool.Status())
		for _, status := range resp.Tools {
			if status != "connected" {
				resp.Status = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func toolStatusStrings(statuses map[toolpool.Name]toolpool.Status) map[string]string {
	out := make(map[string]string, len(statuses))
	for name, status := range statuses {
		out[string(name)] = string(status)
	}
	return out
}

func (s *Server) handleCreateSession(c *gin.Context) {
	fp := session.ClientFingerprint{
		HashedUserAgent: hashField(c.GetHeader("User-Agent")),
		HashedPeerAddr:  hashField(c.ClientIP()),
	}
	state, token, err := s.deps.Sessions.Create(fp)
	if err != nil {
		apierr.WriteJSON(c, apierr.Wrap(apierr.InternalError, "failed to create session", err))
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Token: token, ExpiresAt: state.Expiry})
}

func hashField(v string) string {
	if v == "" {
		return ""
	}
	return audit.HashSessionID(v)
}

func (s *Server) handleLegacyChatRedirect(c *gin.Context) {
	c.Redirect(http.StatusPermanentRedirect, "/api/medical-chat")
}

// handleMedicalChat implements the primary synthesis endpoint: multipart
// message/patientContext/conversationHistory/optional medicalImage.
func (s *Server) handleMedicalChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		apierr.WriteJSON(c, apierr.New(apierr.MissingField, "message is required"))
		return
	}

	patientContext := parseJSONObject(req.PatientContext)
	tail := parseConversationTail(req.ConversationHistory)

	files := []intent.FileDescriptor{}
	var artifact *imaging.Artifact
	var imageBytes []byte
	var imageMIME string

	if fileHeader, err := c.FormFile("medicalImage"); err == nil && fileHeader != nil {
		files = append(files, intent.FileDescriptor{Filename: fileHeader.Filename, MIME: fileHeader.Header.Get("Content-Type")})

		opened, err := fileHeader.Open()
		if err != nil {
			apierr.WriteJSON(c, apierr.New(apierr.InvalidImage, "could not read uploaded image"))
			return
		}
		data, err := io.ReadAll(opened)
		_ = opened.Close()
		if err != nil {
			apierr.WriteJSON(c, apierr.New(apierr.InvalidImage, "could not read uploaded image"))
			return
		}

		sessionID, _ := c.Get(ctxKeySessionID)
		sessionIDStr, _ := sessionID.(string)
		artifact, err = s.deps.Preprocessor.Process(imaging.Input{
			Bytes:        data,
			DeclaredMIME: fileHeader.Header.Get("Content-Type"),
			Filename:     fileHeader.Filename,
			SessionID:    sessionIDStr,
		})
		if err != nil {
			apierr.WriteJSON(c, err)
			return
		}
		imageBytes = data
		imageMIME = fileHeader.Header.Get("Content-Type")
	}

	analysis := s.deps.Classifier.Classify(req.Message, files)
	s.synthesizeAndRespond(c, req.Message, analysis, patientContext, tail, artifact, imageBytes, imageMIME)
}

func (s *Server) handleDifferentialDiagnosis(c *gin.Context) {
	var req differentialDiagnosisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.WriteJSON(c, apierr.New(apierr.MissingField, "clinicalData is required"))
		return
	}
	analysis := s.deps.Classifier.Classify(req.ClinicalData, nil)
	s.synthesizeAndRespond(c, req.ClinicalData, analysis, nil, nil, nil, nil, "")
}

func (s *Server) handleClinicalTrials(c *gin.Context) {
	var req clinicalTrialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.WriteJSON(c, apierr.New(apierr.MissingField, "condition is required"))
		return
	}
	query := req.Condition
	analysis := s.deps.Classifier.Classify(query, nil)
	analysis.Tags = append(analysis.Tags, intent.TagClinicalTrials)
	patientContext := req.PatientCriteria
	s.synthesizeAndRespond(c, query, analysis, patientContext, nil, nil, nil, "")
}

func (s *Server) handleDrugInteractions(c *gin.Context) {
	var req drugInteractionsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Medications) == 0 {
		apierr.WriteJSON(c, apierr.New(apierr.MissingField, "medications is required"))
		return
	}
	query := fmt.Sprintf("drug interaction check for %s", strings.Join(req.Medications, ", "))
	if req.NewDrug != "" {
		query = fmt.Sprintf("%s with new drug %s", query, req.NewDrug)
	}
	analysis := s.deps.Classifier.Classify(query, nil)
	s.synthesizeAndRespond(c, query, analysis, nil, nil, nil, nil, "")
}

func (s *Server) handleImageAnalysis(c *gin.Context) {
	var req imageAnalysisRequest
	if err := c.ShouldBind(&req); err != nil {
		apierr.WriteJSON(c, apierr.New(apierr.MissingField, "clinicalContext is required"))
		return
	}

	fileHeader, err := c.FormFile("medicalImage")
	if err != nil {
		apierr.WriteJSON(c, apierr.New(apierr.MissingField, "medicalImage is required"))
		return
	}
	opened, err := fileHeader.Open()
	if err != nil {
		apierr.WriteJSON(c, apierr.New(apierr.InvalidImage, "could not read uploaded image"))
		return
	}
	data, err := io.ReadAll(opened)
	_ = opened.Close()
	if err != nil {
		apierr.WriteJSON(c, apierr.New(apierr.InvalidImage, "could not read uploaded image"))
		return
	}

	sessionID, _ := c.Get(ctxKeySessionID)
	sessionIDStr, _ := sessionID.(string)
	artifact, err := s.deps.Preprocessor.Process(imaging.Input{
		Bytes:        data,
		DeclaredMIME: fileHeader.Header.Get("Content-Type"),
		Filename:     fileHeader.Filename,
		SessionID:    sessionIDStr,
	})
	if err != nil {
		apierr.WriteJSON(c, err)
		return
	}

	files := []intent.FileDescriptor{{Filename: fileHeader.Filename, MIME: fileHeader.Header.Get("Content-Type")}}
	analysis := s.deps.Classifier.Classify(req.ClinicalContext, files)
	s.synthesizeAndRespond(c, req.ClinicalContext, analysis, nil, nil, artifact, data, fileHeader.Header.Get("Content-Type"))
}

func (s *Server) synthesizeAndRespond(c *gin.Context, query string, analysis intent.Analysis, patientContext map[string]any, tail []federation.ConversationMessage, artifact *imaging.Artifact, imageBytes []byte, imageMIME string) {
	sessionID, _ := c.Get(ctxKeySessionID)
	sessionIDStr, _ := sessionID.(string)

	// The vision call gets the preprocessor's normalized output rather than
	// the raw upload whenever the staged file can be read back.
	if artifact != nil {
		if normalized, err := os.ReadFile(artifact.MainPath); err == nil {
			imageBytes = normalized
			imageMIME = "image/" + artifact.Format
		}
	}

	deadline := time.Now().Add(s.deps.RequestTimeout)
	if d, ok := c.Request.Context().Deadline(); ok {
		deadline = d
	}

	req := federation.Request{
		SessionID:         sessionIDStr,
		Query:             query,
		Intent:            analysis,
		Image:             artifact,
		ImageBytes:        imageBytes,
		ImageMIME:         imageMIME,
		PatientContext:    patientContext,
		ConversationTail:  tail,
		Deadline:          deadline,
	}

	var response *federation.SynthesizedResponse
	if s.deps.Orchestrator != nil {
		response = s.deps.Orchestrator.Synthesize(c.Request.Context(), req)
	} else {
		response = federation.SafetyResponse(req)
	}

	if sessionIDStr != "" {
		s.deps.Sessions.RecordTool(sessionIDStr, "federation.synthesize")
	}

	c.JSON(http.StatusOK, toSynthesizedResponseDTO(response))
}

func toSynthesizedResponseDTO(r *federation.SynthesizedResponse) synthesizedResponseDTO {
	findings := make([]findingDTO, 0, len(r.Findings))
	for _, f := range r.Findings {
		findings = append(findings, findingDTO{Text: f.Text, Origin: f.Origin})
	}
	alerts := make([]safetyAlertDTO, 0, len(r.SafetyAlerts))
	for _, a := range r.SafetyAlerts {
		alerts = append(alerts, safetyAlertDTO{Kind: a.Kind, Level: a.Level, Message: a.Message, Action: a.Action})
	}
	tags := make([]string, 0, len(r.Intent.Tags))
	for _, t := range r.Intent.Tags {
		tags = append(tags, string(t))
	}
	return synthesizedResponseDTO{
		Summary:           r.Summary,
		Structured:        r.Structured,
		Findings:          findings,
		Recommendations:   r.Recommendations,
		SafetyAlerts:       alerts,
		Confidence:        r.Confidence,
		SourceConfidences: r.SourceConfidences,
		Timestamp:         r.Timestamp,
		Disclaimer:        r.Disclaimer,
		Intent: intentDTO{
			Tags:          tags,
			Specialty:     r.Intent.Specialty,
			Urgency:       string(r.Intent.Urgency),
			RequiredTools: r.Intent.RequiredTools,
			Confidence:    r.Intent.Confidence,
		},
	}
}

func (s *Server) handleTools(c *gin.Context) {
	resp := toolsResponse{Status: map[string]string{}}
	if s.deps.Pool != nil {
		resp.Capabilities = s.deps.Pool.Capabilities()
		for name, status := range s.deps.Pool.Status() {
			resp.Status[string(name)] = string(status)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleComplianceReport(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", "24h")
	resp := complianceReportResponse{
		Timeframe:      timeframe,
		KindCounts:     map[string]int{},
		SeverityCounts: map[string]int{},
		GeneratedAt:    time.Now().UTC(),
	}
	if s.deps.AuditSink != nil {
		records := s.deps.AuditSink.Recent()
		resp.RecordCount = len(records)
		for _, r := range records {
			resp.KindCounts[string(r.Kind)]++
			resp.SeverityCounts[string(r.Severity)]++
		}
	}
	c.JSON(http.StatusOK, resp)
}

func parseJSONObject(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func parseConversationTail(raw string) []federation.ConversationMessage {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var entries []federation.ConversationMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	if len(entries) > federation.DefaultConversationTail {
		entries = entries[len(entries)-federation.DefaultConversationTail:]
	}
	return entries
}
