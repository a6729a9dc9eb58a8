package imaging

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/tiff"
)

// decodeStandard decodes any of the stdlib-registered raster formats
// plus TIFF. Its EXIF subset comes from readEXIF, which is always empty.
func decodeStandard(data []byte) (image.Image, EXIFSubset, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if format == "" {
			if tiffImg, tiffErr := tiff.Decode(bytes.NewReader(data)); tiffErr == nil {
				return tiffImg, readEXIF(data), nil
			}
		}
		return nil, EXIFSubset{}, err
	}
	return img, readEXIF(data), nil
}

// decodeDICOM extracts the pixel raster from a DICOM-tagged upload.
// Full DICOM dataset parsing (patient tags, study metadata) is out of
// scope here — that metadata is PHI-bearing and the preprocessor never
// carries it forward; only the decoded pixel image matters downstream.
func decodeDICOM(data []byte) (image.Image, EXIFSubset, error) {
	pixels, err := extractDICOMPixelData(data)
	if err != nil {
		return nil, EXIFSubset{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(pixels))
	if err != nil {
		return nil, EXIFSubset{}, errors.New("dicom pixel data is not a decodable raster: " + err.Error())
	}
	return img, EXIFSubset{}, nil
}

// extractDICOMPixelData locates the encapsulated pixel-data element
// (tag 7FE0,0010) in an explicit-VR little-endian DICOM stream and
// returns its payload. It assumes the common case of a JPEG-encoded
// encapsulated frame, which is what the tool-provider upload path
// produces.
func extractDICOMPixelData(data []byte) ([]byte, error) {
	const preambleLen = 132
	if len(data) < preambleLen+8 || string(data[preambleLen:preambleLen+4]) != "DICM" {
		return nil, errors.New("not a DICOM stream (missing DICM magic)")
	}
	body := data[preambleLen+4:]
	for i := 0; i+8 <= len(body); {
		group := uint16(body[i]) | uint16(body[i+1])<<8
		element := uint16(body[i+2]) | uint16(body[i+3])<<8
		if group == 0x7FE0 && element == 0x0010 {
			// Explicit VR "OB" elements reserve 2 bytes then a 4-byte length.
			if i+12 > len(body) {
				break
			}
			length := uint32(body[i+8]) | uint32(body[i+9])<<8 | uint32(body[i+10])<<16 | uint32(body[i+11])<<24
			start := i + 12
			end := start + int(length)
			if length == 0xFFFFFFFF || end > len(body) || start > end {
				break
			}
			return body[start:end], nil
		}
		i += 8
	}
	return nil, errors.New("no pixel data element found in DICOM stream")
}

// readEXIF returns the EXIF subset the artifact carries forward. It does
// not parse EXIF data: the subset it returns is always empty.
func readEXIF(data []byte) EXIFSubset {
	return EXIFSubset{}
}
