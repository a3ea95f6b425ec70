package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
)

// magic byte signatures used by SniffMime, keyed by the MIME type they identify.
var magicBytes = []struct {
	mime string
	sig  []byte
}{
	{"image/jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"image/png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{"image/gif", []byte{0x47, 0x49, 0x46, 0x38}},
	{"image/bmp", []byte{0x42, 0x4D}},
}

// SniffMime identifies an image's MIME type from its leading bytes. WEBP is
// detected by its RIFF container carrying a WEBP fourcc at offset 8. Returns
// "" if no known signature matches.
func SniffMime(data []byte) string {
	for _, m := range magicBytes {
		if bytes.HasPrefix(data, m.sig) {
			return m.mime
		}
	}
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "image/webp"
	}
	return ""
}

// ValidateDataURLImage checks that dataURL is a data:image/... URL whose
// payload after the first comma is valid standard base64.
func ValidateDataURLImage(dataURL string) error {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return errors.New("data URL must start with data:image/")
	}
	_, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return errors.New("malformed data URL image")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return errors.Wrap(err, "decode data URL image")
	}
	return nil
}

// Validate checks that data is under maxSize bytes and carries a recognized
// image signature, returning the sniffed MIME type.
func Validate(data []byte, maxSize int) (mime string, err error) {
	if len(data) == 0 {
		return "", errors.New("empty image data")
	}
	if maxSize > 0 && len(data) > maxSize {
		return "", errors.Errorf("image exceeds maximum size of %d bytes", maxSize)
	}
	mime = SniffMime(data)
	if mime == "" {
		return "", errors.New("unrecognized image format")
	}
	return mime, nil
}

// allowedDownloadSchemes restricts Download to http/https, preventing
// file://, data:// or other scheme-based SSRF vectors.
var allowedDownloadSchemes = map[string]bool{"http": true, "https": true}

// Download fetches a remote image with a bounded timeout, enforcing an
// allowlisted scheme and a maximum response size.
func Download(ctx context.Context, rawURL string, maxSize int, timeout time.Duration) (data []byte, mime string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", errors.Wrap(err, "parse image url")
	}
	if !allowedDownloadSchemes[strings.ToLower(parsed.Scheme)] {
		return nil, "", errors.Errorf("unsupported image url scheme: %s", parsed.Scheme)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build image download request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "download image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("image download failed with status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, int64(maxSize)+1)
	data, err = io.ReadAll(limited)
	if err != nil {
		return nil, "", errors.Wrap(err, "read image body")
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, "", errors.Errorf("image exceeds maximum size of %d bytes", maxSize)
	}

	mime, err = Validate(data, maxSize)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

// ToDataURL encodes raw image bytes as an RFC 2397 data URL.
func ToDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a data:image/...;base64,... URL back into its MIME
// type and raw bytes.
func ParseDataURL(dataURL string) (mime string, data []byte, err error) {
	const prefix = "data:"
	if !strings.HasPrefix(dataURL, prefix) {
		return "", nil, errors.New("not a data url")
	}
	rest := dataURL[len(prefix):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", nil, errors.New("malformed data url")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	mime, _, _ = strings.Cut(meta, ";")
	if !strings.HasSuffix(meta, "base64") {
		return "", nil, errors.New("only base64 data urls are supported")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode base64 data url")
	}
	return mime, data, nil
}
