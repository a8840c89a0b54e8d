package session

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/nfnt/resize"
)

// PreviewMaxDimension bounds the longest side of a generated preview.
const PreviewMaxDimension = 512

// BuildPreview renders a data: URL for the selected image. Images larger than
// PreviewMaxDimension are downscaled; anything that cannot be decoded is embedded
// verbatim with its sniffed content type.
func BuildPreview(img SelectedImage) string {
	if len(img.Data) == 0 {
		return ""
	}
	contentType := img.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(img.Data)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil || (cfg.Width <= PreviewMaxDimension && cfg.Height <= PreviewMaxDimension) {
		return dataURL(contentType, img.Data)
	}

	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return dataURL(contentType, img.Data)
	}
	thumb := resize.Thumbnail(PreviewMaxDimension, PreviewMaxDimension, decoded, resize.Lanczos3)

	var buf bytes.Buffer
	switch format {
	case "png", "gif":
		if err := png.Encode(&buf, thumb); err != nil {
			return dataURL(contentType, img.Data)
		}
		return dataURL("image/png", buf.Bytes())
	default:
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
			return dataURL(contentType, img.Data)
		}
		return dataURL("image/jpeg", buf.Bytes())
	}
}

func dataURL(contentType string, data []byte) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
