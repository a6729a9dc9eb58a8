// Package imaging implements the Image Preprocessor (C8): validates an
// uploaded image, transcodes it to a canonical format, produces a
// thumbnail, and stages both under a TTL-bounded scratch directory.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/image/tiff"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/apierr"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/async"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
)

// ThumbnailSize is the fixed inside-fit dimension for every thumbnail.
const ThumbnailSize = 300

// Warning is a non-fatal validation note attached to an artifact.
type Warning string

const (
	WarnTooSmall Warning = "DIMENSIONS_BELOW_MINIMUM"
	WarnTooLarge Warning = "DIMENSIONS_ABOVE_MAXIMUM"
)

// EXIFSubset is the small, non-PHI set of EXIF fields carried forward.
type EXIFSubset struct {
	Make         string
	Model        string
	Orientation  int
	DateTimeOrig string
}

// Artifact is the ImageArtifact output of a successful preprocess call.
type Artifact struct {
	ID            string
	SessionID     string
	Format        string // "jpeg" | "tiff"
	Width         int
	Height        int
	MainPath      string
	ThumbnailPath string
	EXIF          EXIFSubset
	Warnings      []Warning
	ExpiresAt     time.Time
}

// Input is what the preprocessor accepts.
type Input struct {
	Bytes       []byte
	DeclaredMIME string
	Filename    string
	SessionID   string
}

// Config configures a Preprocessor.
type Config struct {
	ScratchDir       string
	MaxSizeBytes     int64
	AllowedFormats   []string // e.g. "jpeg","png","tiff","dicom"
	ArtifactTTL      time.Duration
	Logger           logging.Logger
	Now              func() time.Time
}

// Preprocessor validates, transcodes, thumbnails, and stages images.
type Preprocessor struct {
	scratchDir     string
	maxSizeBytes   int64
	allowedFormats map[string]struct{}
	ttl            time.Duration
	logger         logging.Logger
	now            func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

// New builds a Preprocessor; it does not touch the filesystem until a
// caller invokes Process or Sweep.
func New(cfg Config) *Preprocessor {
	allowed := make(map[string]struct{})
	formats := cfg.AllowedFormats
	if len(formats) == 0 {
		formats = []string{"jpeg", "png", "tiff", "dicom"}
	}
	for _, f := range formats {
		allowed[strings.ToLower(f)] = struct{}{}
	}
	maxSize := cfg.MaxSizeBytes
	if maxSize == 0 {
		maxSize = 50 * 1024 * 1024
	}
	ttl := cfg.ArtifactTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Preprocessor{
		scratchDir:     cfg.ScratchDir,
		maxSizeBytes:   maxSize,
		allowedFormats: allowed,
		ttl:            ttl,
		logger:         logging.OrNop(cfg.Logger),
		now:            now,
		timers:         make(map[string]*time.Timer),
	}
}

// Process validates, transcodes, thumbnails, and stages one image.
func (p *Preprocessor) Process(in Input) (*Artifact, error) {
	if int64(len(in.Bytes)) > p.maxSizeBytes {
		return nil, apierr.New(apierr.PayloadTooLarge, "image exceeds maximum size").
			WithDetails(map[string]any{"maxBytes": p.maxSizeBytes})
	}
	if len(in.Bytes) == 0 {
		return nil, apierr.New(apierr.InvalidImage, "image payload is empty")
	}

	detected := mimetype.Detect(in.Bytes)
	sniffedFormat := classifyFormat(detected.String(), in.Filename)
	if _, ok := p.allowedFormats[sniffedFormat]; !ok {
		return nil, apierr.New(apierr.UnsupportedMediaType, "image format not supported").
			WithDetails(map[string]any{"detected": detected.String()})
	}
	// The declared MIME is advisory; content-sniffing via mimetype is
	// authoritative per the domain stack. A mismatch is logged, not
	// rejected, since browsers and upload proxies routinely mislabel.
	if in.DeclaredMIME != "" && !strings.EqualFold(in.DeclaredMIME, detected.String()) {
		p.logger.Warn("declared MIME %q does not match sniffed MIME %q for %q", in.DeclaredMIME, detected.String(), in.Filename)
	}

	isLosslessTarget := sniffedFormat == "tiff" || sniffedFormat == "dicom"

	var decoded image.Image
	var exif EXIFSubset
	var err error
	if sniffedFormat == "dicom" {
		decoded, exif, err = decodeDICOM(in.Bytes)
	} else {
		decoded, exif, err = decodeStandard(in.Bytes)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidImage, "could not decode image", err)
	}

	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, apierr.New(apierr.InvalidImage, "decoded image has non-positive dimensions")
	}

	var warnings []Warning
	if width < 100 || height < 100 {
		warnings = append(warnings, WarnTooSmall)
	}
	if width > 4096 || height > 4096 {
		warnings = append(warnings, WarnTooLarge)
	}

	artifactID := uuid.NewString()
	expiresAt := p.now().Add(p.ttl)

	var mainBuf bytes.Buffer
	format := "jpeg"
	if isLosslessTarget {
		format = "tiff"
		if err := tiff.Encode(&mainBuf, decoded, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, apierr.Wrap(apierr.TranscodeFailed, "tiff encode failed", err)
		}
	} else {
		if err := imaging.Encode(&mainBuf, decoded, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
			return nil, apierr.Wrap(apierr.TranscodeFailed, "jpeg encode failed", err)
		}
	}

	thumb := imaging.Fit(decoded, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	var thumbBuf bytes.Buffer
	if err := imaging.Encode(&thumbBuf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, apierr.Wrap(apierr.TranscodeFailed, "thumbnail encode failed", err)
	}

	mainPath, thumbPath, err := p.stage(in.SessionID, artifactID, format, expiresAt, mainBuf.Bytes(), thumbBuf.Bytes())
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to stage image artifact", err)
	}

	artifact := &Artifact{
		ID:            artifactID,
		SessionID:     in.SessionID,
		Format:        format,
		Width:         width,
		Height:        height,
		MainPath:      mainPath,
		ThumbnailPath: thumbPath,
		EXIF:          exif,
		Warnings:      warnings,
		ExpiresAt:     expiresAt,
	}
	p.scheduleDeletion(artifactID, mainPath, thumbPath, p.ttl)
	return artifact, nil
}

func classifyFormat(detectedMIME, filename string) string {
	lowerName := strings.ToLower(filename)
	if strings.HasSuffix(lowerName, ".dcm") || strings.Contains(detectedMIME, "dicom") {
		return "dicom"
	}
	switch {
	case strings.Contains(detectedMIME, "tiff"):
		return "tiff"
	case strings.Contains(detectedMIME, "jpeg"):
		return "jpeg"
	case strings.Contains(detectedMIME, "png"):
		return "png"
	default:
		return "unknown"
	}
}

// stage writes main and thumbnail buffers under the scratch directory,
// encoding the artifact id and expiry mark (unix seconds) into the
// filename so a crashed process can still be swept on restart.
func (p *Preprocessor) stage(sessionID, artifactID, format string, expiresAt time.Time, main, thumb []byte) (string, string, error) {
	dir := p.scratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)
	ext := "jpg"
	if format == "tiff" {
		ext = "tiff"
	}
	mainName := fmt.Sprintf("%s_%s.%s", artifactID, expiry, ext)
	thumbName := fmt.Sprintf("%s_%s_thumb.jpg", artifactID, expiry)
	mainPath := filepath.Join(dir, mainName)
	thumbPath := filepath.Join(dir, thumbName)

	if err := os.WriteFile(mainPath, main, 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(thumbPath, thumb, 0o644); err != nil {
		_ = os.Remove(mainPath)
		return "", "", err
	}
	return mainPath, thumbPath, nil
}

// scheduleDeletion arms a timer that deletes both artifact files at
// expiresAt. Deletion also runs eagerly at process restart via Sweep,
// which covers a crash between transcode and this timer firing.
func (p *Preprocessor) scheduleDeletion(artifactID, mainPath, thumbPath string, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	timer := time.AfterFunc(ttl, func() {
		async.Go(p.logger, "imaging-artifact-expiry", func() {
			_ = os.Remove(mainPath)
			_ = os.Remove(thumbPath)
			p.mu.Lock()
			delete(p.timers, artifactID)
			p.mu.Unlock()
		})
	})
	p.timers[artifactID] = timer
}

// Sweep deletes every scratch file whose encoded expiry mark has
// already passed. It is intended to run once at process startup, to
// catch artifacts orphaned by a crash between transcode and the
// in-memory timer firing (SPEC_FULL supplement #2).
func (p *Preprocessor) Sweep() {
	dir := p.scratchDir
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	now := p.now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		expiry, ok := parseExpiryMark(entry.Name())
		if !ok {
			continue
		}
		if now.After(expiry) {
			full := filepath.Join(dir, entry.Name())
			if err := os.Remove(full); err != nil {
				p.logger.Warn("sweep: failed to remove stale artifact %s: %v", full, err)
			}
		}
	}
}

// parseExpiryMark extracts the unix-seconds expiry encoded into a
// scratch filename of the form "<id>_<expiry>[_thumb].<ext>".
func parseExpiryMark(name string) (time.Time, bool) {
	base := name
	if idx := strings.LastIndex(base, "."); idx != -1 {
		base = base[:idx]
	}
	base = strings.TrimSuffix(base, "_thumb")
	idx := strings.LastIndex(base, "_")
	if idx == -1 {
		return time.Time{}, false
	}
	mark := base[idx+1:]
	secs, err := strconv.ParseInt(mark, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Close cancels every pending deletion timer without deleting the
// files they guard. The gateway calls it at shutdown; tests call it to
// avoid leaking goroutines.
func (p *Preprocessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
