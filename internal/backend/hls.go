package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// HLSSourceConfig configures playlist polling for an http(s):// source that
// resolves to HLS. Segments are assumed to carry MPEG-TS, the same
// assumption the teacher's HLS demuxer makes — each fetched segment is fed
// byte-for-byte into a tsDemuxElement.
type HLSSourceConfig struct {
	HTTPClient              *http.Client
	PlaylistRefreshInterval time.Duration
	UserAgent               string
	Logger                  *slog.Logger
}

// HLSSource polls an HLS media playlist and streams its segments into a
// pipe a TS demuxer element reads from.
type HLSSource struct {
	config    HLSSourceConfig
	sourceURL string
	baseURL   string

	mu       sync.Mutex
	seen     map[string]bool
	pipeW    *io.PipeWriter
	pipeR    *io.PipeReader
}

// NewHLSSource creates a source resolver for sourceURL.
func NewHLSSource(sourceURL string, config HLSSourceConfig) *HLSSource {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.PlaylistRefreshInterval == 0 {
		config.PlaylistRefreshInterval = 2 * time.Second
	}

	baseURL := sourceURL
	if idx := strings.LastIndex(sourceURL, "/"); idx > 0 {
		baseURL = sourceURL[:idx+1]
	}

	pr, pw := io.Pipe()
	return &HLSSource{
		config:    config,
		sourceURL: sourceURL,
		baseURL:   baseURL,
		seen:      make(map[string]bool),
		pipeR:     pr,
		pipeW:     pw,
	}
}

// Reader returns the TS byte stream a tsDemuxElement should consume.
func (s *HLSSource) Reader() *astits.BufferedReader {
	return astits.NewBufferedReader(s.pipeR, astits.MpegTsPacketSize*64)
}

// Run polls the playlist and copies new segments into the pipe until ctx
// is cancelled.
func (s *HLSSource) Run(ctx context.Context) error {
	defer s.pipeW.Close()

	ticker := time.NewTicker(s.config.PlaylistRefreshInterval)
	defer ticker.Stop()

	if err := s.poll(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.config.Logger.Warn("hls source: poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *HLSSource) poll(ctx context.Context) error {
	segments, err := s.fetchPlaylist(ctx)
	if err != nil {
		return fmt.Errorf("hls source: playlist: %w", err)
	}

	for _, seg := range segments {
		s.mu.Lock()
		already := s.seen[seg]
		s.seen[seg] = true
		s.mu.Unlock()
		if already {
			continue
		}
		if err := s.fetchSegment(ctx, seg); err != nil {
			return fmt.Errorf("hls source: segment %q: %w", seg, err)
		}
	}
	return nil
}

// fetchPlaylist fetches and parses the current playlist URL with gohlslib's
// M3U8 parser, the same one the teacher's HLS client-side repackaging uses
// (see HLSRepackager), instead of hand-scanning non-comment lines. A
// Multivariant (master) playlist resolves to its first variant's media
// playlist and yields no segments for this poll; a Media playlist yields
// its segment URIs, fully resolved against baseURL.
func (s *HLSSource) fetchPlaylist(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sourceURL, nil)
	if err != nil {
		return nil, err
	}
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("parsing m3u8: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return nil, errors.New("multivariant playlist has no variants")
		}
		s.resolveMediaPlaylist(p.Variants[0].URI)
		return nil, nil
	case *playlist.Media:
		segments := make([]string, 0, len(p.Segments))
		for _, seg := range p.Segments {
			segments = append(segments, s.resolve(seg.URI))
		}
		return segments, nil
	default:
		return nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

// resolveMediaPlaylist switches polling from a master playlist to one of
// its variants once gohlslib's parser reports a Multivariant playlist.
func (s *HLSSource) resolveMediaPlaylist(variantURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := variantURI
	if !strings.HasPrefix(resolved, "http://") && !strings.HasPrefix(resolved, "https://") {
		resolved = s.baseURL + resolved
	}
	s.sourceURL = resolved
	if idx := strings.LastIndex(resolved, "/"); idx > 0 {
		s.baseURL = resolved[:idx+1]
	}
	s.config.Logger.Info("hls source: resolved multivariant playlist to media variant",
		slog.String("uri", resolved))
}

func (s *HLSSource) resolve(segmentURL string) string {
	if strings.HasPrefix(segmentURL, "http://") || strings.HasPrefix(segmentURL, "https://") {
		return segmentURL
	}
	return s.baseURL + segmentURL
}

func (s *HLSSource) fetchSegment(ctx context.Context, segmentURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segmentURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	_, err = io.Copy(s.pipeW, resp.Body)
	return err
}

// ParseTargetDuration extracts #EXT-X-TARGETDURATION from a raw playlist
// body. It reports false when the tag is missing or its value is not an
// integer number of seconds.
func ParseTargetDuration(body string) (time.Duration, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#EXT-X-TARGETDURATION:") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
		if err != nil {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
