package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/asticode/go-astits"
)

// StandardBackend is the always-installable backend: MPEG-TS demux/mux via
// go-astits for file:// and rtsp:// sources, HLS playlist resolution for
// http(s):// sources, and plain named elements for the remaining pipeline
// roles. It returns a factory for every role, so it always has full
// coverage in BackendRegistry's ranking.
type StandardBackend struct {
	logger *slog.Logger
}

// NewStandardBackend creates a StandardBackend.
func NewStandardBackend(logger *slog.Logger) *StandardBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &StandardBackend{logger: logger}
}

func (b *StandardBackend) Name() string { return "standard" }

func (b *StandardBackend) Factory(role Role) Factory {
	switch role {
	case RoleDemuxer:
		return &tsDemuxFactory{logger: b.logger}
	case RoleMuxer:
		return &tsMuxFactory{logger: b.logger}
	case RoleInferencer, RoleTracker, RoleVideoConvert, RoleOverlay, RoleSink:
		return &namedElementFactory{role: role, factoryName: standardFactoryNames[role]}
	default:
		return nil
	}
}

// standardFactoryNames are the element names StandardBackend reports for
// roles that don't need a codec library of their own — the pipeline stage
// that owns the role's actual work (internal/pipeline) drives behavior
// through the properties applied at construction, not the factory name.
var standardFactoryNames = map[Role]string{
	RoleInferencer:   "standard-inferencer",
	RoleTracker:      "standard-tracker",
	RoleVideoConvert: "standard-videoconvert",
	RoleOverlay:      "standard-overlay",
	RoleSink:         "standard-sink",
}

// SourceScheme classifies a source URI for demuxer selection.
func SourceScheme(sourceURI string) string {
	u, err := url.Parse(sourceURI)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// --- demuxer ---

type tsDemuxFactory struct {
	logger *slog.Logger
}

func (f *tsDemuxFactory) FactoryName() string { return "tsdemux" }

func (f *tsDemuxFactory) New(_ context.Context, instanceName string) (Element, error) {
	return &tsDemuxElement{name: instanceName, logger: f.logger, properties: make(map[string]any)}, nil
}

// tsDemuxElement demuxes an MPEG-TS elementary stream with go-astits,
// publishing PES payloads for the video and audio PIDs discovered in the
// PMT. An HLSSource's Reader yields the TS payload of an HLS playlist's
// segments in the form Start consumes; nothing in this module wires one
// to a demuxer automatically.
type tsDemuxElement struct {
	name   string
	logger *slog.Logger

	properties map[string]any

	demux      *astits.Demuxer
	videoPID   uint16
	audioPID   uint16
	onVideoPES func(pts int64, data []byte)
	onAudioPES func(pts int64, data []byte)
}

func (e *tsDemuxElement) Name() string { return e.name }
func (e *tsDemuxElement) Role() Role   { return RoleDemuxer }

func (e *tsDemuxElement) SetProperty(name string, value any) bool {
	switch name {
	case "video_pid", "audio_pid":
		e.properties[name] = value
		return true
	default:
		return false
	}
}

func (e *tsDemuxElement) Close(_ context.Context) error {
	return nil
}

// Start begins demuxing r, invoking onVideoPES/onAudioPES for every PES
// packet on the PMT's video/audio elementary streams until the source
// context is cancelled or the stream ends.
func (e *tsDemuxElement) Start(ctx context.Context, r *astits.BufferedReader, onVideoPES, onAudioPES func(pts int64, data []byte)) error {
	e.onVideoPES = onVideoPES
	e.onAudioPES = onAudioPES
	e.demux = astits.NewDemuxer(ctx, r, astits.DemuxerOptPacketSize(astits.MpegTsPacketSize))

	for {
		data, err := e.demux.NextData()
		if err != nil {
			return fmt.Errorf("tsdemux %q: %w", e.name, err)
		}

		if data.PMT != nil {
			e.assignPIDs(data.PMT)
			continue
		}

		if data.PES == nil {
			continue
		}

		switch uint16(data.PID) {
		case e.videoPID:
			if e.onVideoPES != nil {
				e.onVideoPES(pesPTS(data.PES), data.PES.Data)
			}
		case e.audioPID:
			if e.onAudioPES != nil {
				e.onAudioPES(pesPTS(data.PES), data.PES.Data)
			}
		}
	}
}

// assignPIDs picks the video/audio elementary stream to demux from pmt,
// skipping any stream type mediacommon can't actually decode rather than
// handing tsDemuxElement a PID it will never produce usable PES data for.
func (e *tsDemuxElement) assignPIDs(pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		switch {
		case videoPIDDemuxable(es.StreamType):
			e.videoPID = uint16(es.ElementaryPID)
		case audioPIDDemuxable(es.StreamType):
			e.audioPID = uint16(es.ElementaryPID)
		default:
			e.logger.Debug("tsdemux: skipping undecodable stream",
				slog.String("element", e.name),
				slog.Any("stream_type", es.StreamType))
		}
	}
	e.logger.Debug("tsdemux: tracks discovered",
		slog.String("element", e.name),
		slog.Uint64("video_pid", uint64(e.videoPID)),
		slog.Uint64("audio_pid", uint64(e.audioPID)),
	)
}

func pesPTS(pes *astits.PESData) int64 {
	if pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil {
		return 0
	}
	return int64(pes.Header.OptionalHeader.PTS.Base)
}

// --- muxer ---

type tsMuxFactory struct {
	logger *slog.Logger
}

func (f *tsMuxFactory) FactoryName() string { return "tsmux" }

func (f *tsMuxFactory) New(_ context.Context, instanceName string) (Element, error) {
	return &tsMuxElement{name: instanceName, logger: f.logger, properties: make(map[string]any)}, nil
}

// tsMuxElement re-packages a source's demuxed elementary payload back into
// a single MPEG-TS stream for the batched pipeline, one astits.Muxer per
// source so each source's PCR/continuity counters stay independent.
type tsMuxElement struct {
	name   string
	logger *slog.Logger

	properties map[string]any
	mux        *astits.Muxer
}

func (e *tsMuxElement) Name() string { return e.name }
func (e *tsMuxElement) Role() Role   { return RoleMuxer }

func (e *tsMuxElement) SetProperty(name string, value any) bool {
	switch name {
	case "service_id", "pcr_pid":
		e.properties[name] = value
		return true
	default:
		return false
	}
}

func (e *tsMuxElement) Close(_ context.Context) error { return nil }

// Start prepares the muxer for writing to w, adding a video and an audio
// elementary stream at the given PIDs.
func (e *tsMuxElement) Start(ctx context.Context, w writeFlusher, videoPID, audioPID uint16) error {
	e.mux = astits.NewMuxer(ctx, w)
	if err := e.mux.AddElementaryStream(astits.PMTElementaryStream{ElementaryPID: videoPID, StreamType: astits.StreamTypeH264Video}); err != nil {
		return fmt.Errorf("tsmux %q: adding video stream: %w", e.name, err)
	}
	if audioPID != 0 {
		if err := e.mux.AddElementaryStream(astits.PMTElementaryStream{ElementaryPID: audioPID, StreamType: astits.StreamTypeAACAudio}); err != nil {
			return fmt.Errorf("tsmux %q: adding audio stream: %w", e.name, err)
		}
	}
	e.mux.SetPCRPID(videoPID)
	return e.mux.WriteTables()
}

// WritePES muxes a single PES payload for pid at pts.
func (e *tsMuxElement) WritePES(pid uint16, pts int64, data []byte) error {
	_, err := e.mux.WriteData(&astits.MuxerData{
		PID: pid,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts},
				},
			},
			Data: data,
		},
	})
	if err != nil {
		return fmt.Errorf("tsmux %q: writing pes: %w", e.name, err)
	}
	return nil
}

type writeFlusher interface {
	Write(p []byte) (int, error)
}

// --- generic named elements (inferencer, tracker, video_convert, overlay, sink) ---

type namedElementFactory struct {
	role        Role
	factoryName string
}

func (f *namedElementFactory) FactoryName() string { return f.factoryName }

func (f *namedElementFactory) New(_ context.Context, instanceName string) (Element, error) {
	return &namedElement{name: instanceName, role: f.role, properties: make(map[string]any)}, nil
}

// namedElement is a topology placeholder for roles whose real behavior
// lives in internal/pipeline (the inference call, the tracker update, the
// overlay draw, the sink write) rather than in a codec library — the
// Standard backend only needs to name and configure the slot.
type namedElement struct {
	name       string
	role       Role
	properties map[string]any
}

func (e *namedElement) Name() string { return e.name }
func (e *namedElement) Role() Role   { return e.role }

var standardElementProperties = map[Role][]string{
	RoleInferencer:   {"config_path", "threshold", "batch_size"},
	RoleTracker:      {"max_age_frames"},
	RoleVideoConvert: {"target_format"},
	RoleOverlay:      {"bbox", "text", "line_width", "text_size"},
	RoleSink:         {"uri"},
}

func (e *namedElement) SetProperty(name string, value any) bool {
	for _, allowed := range standardElementProperties[e.role] {
		if allowed == name {
			e.properties[name] = value
			return true
		}
	}
	return false
}

func (e *namedElement) Close(_ context.Context) error { return nil }

func (e *namedElement) Property(name string) (any, bool) {
	v, ok := e.properties[name]
	return v, ok
}
