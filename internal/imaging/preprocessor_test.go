package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xtiff "golang.org/x/image/tiff"
)

func synthJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func synthPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func synthTIFF(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, xtiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newTestPreprocessor(t *testing.T) *Preprocessor {
	dir := t.TempDir()
	p := New(Config{ScratchDir: dir, ArtifactTTL: time.Hour})
	t.Cleanup(p.Close)
	return p
}

func TestProcess_ValidJPEGProducesArtifactAndThumbnail(t *testing.T) {
	p := newTestPreprocessor(t)
	data := synthJPEG(t, 640, 480)

	artifact, err := p.Process(Input{Bytes: data, DeclaredMIME: "image/jpeg", Filename: "scan.jpg", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "jpeg", artifact.Format)
	assert.Equal(t, 640, artifact.Width)
	assert.Equal(t, 480, artifact.Height)
	assert.Empty(t, artifact.Warnings)

	_, err = os.Stat(artifact.MainPath)
	assert.NoError(t, err)
	_, err = os.Stat(artifact.ThumbnailPath)
	assert.NoError(t, err)

	thumbBytes, err := os.ReadFile(artifact.ThumbnailPath)
	require.NoError(t, err)
	thumbImg, err := jpeg.Decode(bytes.NewReader(thumbBytes))
	require.NoError(t, err)
	bounds := thumbImg.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), ThumbnailSize)
	assert.LessOrEqual(t, bounds.Dy(), ThumbnailSize)
}

func TestProcess_TIFFInputStaysLossless(t *testing.T) {
	p := newTestPreprocessor(t)
	data := synthTIFF(t, 300, 300)

	artifact, err := p.Process(Input{Bytes: data, DeclaredMIME: "image/tiff", Filename: "slide.tiff", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "tiff", artifact.Format)
}

func TestProcess_RejectsOversizedPayload(t *testing.T) {
	p := New(Config{ScratchDir: t.TempDir(), MaxSizeBytes: 10})
	defer p.Close()
	_, err := p.Process(Input{Bytes: make([]byte, 100), Filename: "a.jpg", SessionID: "s"})
	require.Error(t, err)
}

func TestProcess_RejectsUnsupportedFormat(t *testing.T) {
	p := New(Config{ScratchDir: t.TempDir(), AllowedFormats: []string{"jpeg"}})
	defer p.Close()
	data := synthPNG(t, 200, 200)
	_, err := p.Process(Input{Bytes: data, Filename: "a.png", SessionID: "s"})
	require.Error(t, err)
}

func TestProcess_EmptyPayloadIsInvalid(t *testing.T) {
	p := newTestPreprocessor(t)
	_, err := p.Process(Input{Bytes: nil, Filename: "a.jpg", SessionID: "s"})
	require.Error(t, err)
}

func TestProcess_SmallDimensionsEmitWarningNotError(t *testing.T) {
	p := newTestPreprocessor(t)
	data := synthJPEG(t, 50, 50)
	artifact, err := p.Process(Input{Bytes: data, Filename: "tiny.jpg", SessionID: "s"})
	require.NoError(t, err)
	assert.Contains(t, artifact.Warnings, WarnTooSmall)
}

func TestProcess_LargeDimensionsEmitWarningNotError(t *testing.T) {
	p := newTestPreprocessor(t)
	data := synthJPEG(t, 4200, 4200)
	artifact, err := p.Process(Input{Bytes: data, Filename: "huge.jpg", SessionID: "s"})
	require.NoError(t, err)
	assert.Contains(t, artifact.Warnings, WarnTooLarge)
}

func TestSweep_RemovesFilesPastEncodedExpiry(t *testing.T) {
	dir := t.TempDir()
	expired := filepath.Join(dir, "abc_1.jpg")
	fresh := filepath.Join(dir, "def_9999999999.jpg")
	require.NoError(t, os.WriteFile(expired, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	p := New(Config{ScratchDir: dir})
	defer p.Close()
	p.Sweep()

	_, err := os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestParseExpiryMark_HandlesThumbnailSuffix(t *testing.T) {
	mark, ok := parseExpiryMark("artifact123_1700000000_thumb.jpg")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), mark.Unix())
}

func TestParseExpiryMark_RejectsMalformedName(t *testing.T) {
	_, ok := parseExpiryMark("not-an-artifact-name.jpg")
	assert.False(t, ok)
}
