// Package pemutil normalizes and validates PEM blocks for certificates
// and private keys.
//
// Uploaded PEM material often arrives mangled: Windows line endings,
// doubled blank lines, or a body folded at arbitrary widths. Normalization
// produces a canonical form with the body re-wrapped at 64 characters so
// that stored values compare and round-trip deterministically.
package pemutil

import (
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/updrift/updrift/pkg/errdefs"
)

// Accepted marker types. Certificates accept only CERTIFICATE; private
// keys accept the PKCS#8, PKCS#1 and SEC 1 forms. The header and footer
// markers must match.
var (
	certificateMarkers = []string{"CERTIFICATE"}
	privateKeyMarkers  = []string{"RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY"}
)

var (
	// ErrMissingHeader signals that no BEGIN marker was found.
	ErrMissingHeader = errors.New("missing PEM header")
	// ErrMissingFooter signals that the matching END marker was not found.
	ErrMissingFooter = errors.New("missing PEM footer")
	// ErrMalformedStructure signals that the markers are present but not
	// in a usable order.
	ErrMalformedStructure = errors.New("malformed PEM structure")
	// ErrEmptyBody signals that nothing remains between the markers.
	ErrEmptyBody = errors.New("empty PEM body")
	// ErrInvalidBase64 signals that the body does not decode as base64.
	ErrInvalidBase64 = errors.New("PEM body is not valid base64")
)

const wrapWidth = 64

var blankLineRuns = regexp.MustCompile(`\n{2,}`)

// NormalizeCertificate returns the canonical form of a PEM certificate.
// Only the CERTIFICATE marker pair is accepted.
func NormalizeCertificate(in string) (string, error) {
	return normalize(in, certificateMarkers)
}

// NormalizePrivateKey returns the canonical form of a PEM private key.
// PRIVATE KEY, RSA PRIVATE KEY and EC PRIVATE KEY marker pairs are
// accepted; header and footer must carry the same marker.
func NormalizePrivateKey(in string) (string, error) {
	return normalize(in, privateKeyMarkers)
}

func normalize(in string, markers []string) (string, error) {
	s := strings.TrimSpace(in)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = blankLineRuns.ReplaceAllString(s, "\n")

	marker, start := findMarker(s, markers)
	if marker == "" {
		return "", errdefs.NewE(errdefs.ErrMalformed, ErrMissingHeader)
	}
	header := "-----BEGIN " + marker + "-----"
	footer := "-----END " + marker + "-----"

	end := strings.Index(s, footer)
	if end < 0 {
		return "", errdefs.NewE(errdefs.ErrMalformed, ErrMissingFooter)
	}
	bodyStart := start + len(header)
	if end < bodyStart {
		return "", errdefs.NewE(errdefs.ErrMalformed, ErrMalformedStructure)
	}

	body := s[bodyStart:end]
	body = strings.Join(strings.Fields(body), "")
	if body == "" {
		return "", errdefs.NewE(errdefs.ErrMalformed, ErrEmptyBody)
	}
	if _, err := base64.StdEncoding.DecodeString(body); err != nil {
		return "", errdefs.NewE(errdefs.ErrMalformed, ErrInvalidBase64)
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	for i := 0; i < len(body); i += wrapWidth {
		line := body[i:min(i+wrapWidth, len(body))]
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString(footer)
	return sb.String(), nil
}

// findMarker returns the first accepted marker whose BEGIN line occurs in
// s, together with the index of that line. Markers are ordered so that
// RSA/EC forms match before the plain PRIVATE KEY suffix.
func findMarker(s string, markers []string) (string, int) {
	for _, marker := range markers {
		if idx := strings.Index(s, "-----BEGIN "+marker+"-----"); idx >= 0 {
			return marker, idx
		}
	}
	return "", -1
}

// BlockType returns the marker of the first PEM block in s, e.g.
// "RSA PRIVATE KEY", or an empty string when s carries no header.
func BlockType(s string) string {
	for _, marker := range append(privateKeyMarkers, certificateMarkers...) {
		if strings.Contains(s, "-----BEGIN "+marker+"-----") {
			return marker
		}
	}
	return ""
}
