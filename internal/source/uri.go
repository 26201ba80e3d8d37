package source

import (
	"fmt"
	"net/url"
	"strings"
)

// SupportedSchemes lists the source URI schemes VideoSource knows how to
// resolve to a demuxer: file-backed and RTSP carry MPEG-TS directly,
// http(s) resolves through HLS, and videotestsrc is a synthetic source
// used for fixtures and the e2e harness.
var SupportedSchemes = []string{"file", "rtsp", "http", "https", "videotestsrc"}

// ErrUnsupportedScheme is returned by ValidateURI for a scheme not in
// SupportedSchemes.
type ErrUnsupportedScheme struct {
	Scheme string
}

func (e *ErrUnsupportedScheme) Error() string {
	return fmt.Sprintf("source: unsupported uri scheme %q", e.Scheme)
}

// ErrMissingHost is returned by ValidateURI for a network scheme
// (rtsp/http/https) with no hostname.
type ErrMissingHost struct {
	URI string
}

func (e *ErrMissingHost) Error() string {
	return fmt.Sprintf("source: uri %q has no host", e.URI)
}

// networkSchemes lists the schemes ValidateURI requires a non-empty
// host for; file and videotestsrc have none.
var networkSchemes = map[string]bool{
	"rtsp":  true,
	"http":  true,
	"https": true,
}

// ValidateURI parses sourceURI and returns its lower-cased scheme if it is
// one VideoSource can construct a demuxer for. Network schemes must carry
// a hostname; an empty scheme is rejected the same as an unsupported one.
func ValidateURI(sourceURI string) (string, error) {
	u, err := url.Parse(sourceURI)
	if err != nil {
		return "", fmt.Errorf("source: parsing uri: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)

	supported := false
	for _, s := range SupportedSchemes {
		if s == scheme {
			supported = true
			break
		}
	}
	if !supported {
		return "", &ErrUnsupportedScheme{Scheme: scheme}
	}
	if networkSchemes[scheme] && u.Host == "" {
		return "", &ErrMissingHost{URI: sourceURI}
	}
	return scheme, nil
}
