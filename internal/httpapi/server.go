package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/cryptoservice"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/federation"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/imaging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/intent"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/phi"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/session"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/toolpool"
)

// Version is the identity string returned by GET / and GET /api/health.
const Version = "medical-research-gateway/1.0"

// Dependencies bundles every component the HTTP Surface binds to.
// Nothing in this package constructs a component — composition happens
// in cmd/gateway.
type Dependencies struct {
	Sessions      *session.Store
	Crypto        *cryptoservice.Service
	RateLimiter   *ratelimit.Limiter
	Scrubber      *phi.Scrubber
	AuditSink     *audit.Sink
	Classifier    *intent.Classifier
	Preprocessor  *imaging.Preprocessor
	Pool          *toolpool.Pool
	Orchestrator  *federation.Orchestrator
	Logger        logging.Logger
	CORSOrigins   []string
	RequestTimeout time.Duration
}

// Server holds the gin engine and its dependencies.
type Server struct {
	deps      Dependencies
	startedAt time.Time
	logger    logging.Logger
}

// NewServer builds the gin.Engine implementing spec §4.11/§6.
func NewServer(deps Dependencies) *gin.Engine {
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		deps:      deps,
		startedAt: time.Now(),
		logger:    logging.OrNop(deps.Logger),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(deps.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = deps.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	s.mountRoutes(engine)
	return engine
}

func (s *Server) mountRoutes(engine *gin.Engine) {
	// Middleware chain per spec §4.11: inbound audit, PHI scrub of
	// request body/query, session validation (protected routes only),
	// rate-limit check, upload validation (multipart only), outbound
	// PHI scrub of responses.
	engine.Use(s.inboundAuditMiddleware(), s.scrubRequestMiddleware(), s.scrubResponseMiddleware())

	engine.GET("/", s.handleIdentity)
	engine.GET("/api/health", s.handleHealth)
	engine.POST("/api/session", s.rateLimited(ratelimit.ClassAPI), s.handleCreateSession)

	engine.Any("/api/chat", s.handleLegacyChatRedirect)

	protected := engine.Group("/api")
	protected.Use(s.sessionAuthMiddleware(), s.rateLimited(ratelimit.ClassMedical))

	protected.POST("/medical-chat", s.uploadValidationMiddleware(), s.handleMedicalChat)
	protected.POST("/medical/differential-diagnosis", s.handleDifferentialDiagnosis)
	protected.POST("/medical/clinical-trials", s.handleClinicalTrials)
	protected.POST("/medical/drug-interactions", s.handleDrugInteractions)
	protected.POST("/medical/image-analysis", s.uploadValidationMiddleware(), s.handleImageAnalysis)
	protected.GET("/medical/health", s.handleMedicalHealth)
	protected.GET("/medical/tools", s.handleTools)
	protected.GET("/medical/compliance-report", s.handleComplianceReport)
}
