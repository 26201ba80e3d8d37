package backend

import (
	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// mediacommonDemuxable records, per PMT stream type, whether the running
// mediacommon build can actually demux it. mediacommon returns its
// CodecUnsupported sentinel for any mpegts.Codec it doesn't implement, so
// this probes each candidate once at init — mirroring the teacher's
// init-time sentinel check — instead of assuming every StreamType astits
// recognizes is one mediacommon (and therefore the rest of the pipeline)
// can decode.
var mediacommonDemuxable = struct {
	h264, h265, mpeg1or2, aac, ac3, mp3 bool
}{}

func init() {
	mediacommonDemuxable.h264 = isSupportedMpegtsCodec(&mpegts.CodecH264{})
	mediacommonDemuxable.h265 = isSupportedMpegtsCodec(&mpegts.CodecH265{})
	mediacommonDemuxable.mpeg1or2 = isSupportedMpegtsCodec(&mpegts.CodecMPEG1Video{})
	mediacommonDemuxable.aac = isSupportedMpegtsCodec(&mpegts.CodecMPEG4Audio{})
	mediacommonDemuxable.ac3 = isSupportedMpegtsCodec(&mpegts.CodecAC3{})
	mediacommonDemuxable.mp3 = isSupportedMpegtsCodec(&mpegts.CodecMPEG1Audio{})
}

func isSupportedMpegtsCodec(c mpegts.Codec) bool {
	_, unsupported := c.(*mpegts.CodecUnsupported)
	return !unsupported
}

// videoPIDDemuxable reports whether st is a video stream type mediacommon
// can decode, gating which PMT elementary stream assignPIDs picks as the
// source's video track.
func videoPIDDemuxable(st astits.StreamType) bool {
	switch st {
	case astits.StreamTypeH264Video:
		return mediacommonDemuxable.h264
	case astits.StreamTypeH265Video:
		return mediacommonDemuxable.h265
	case astits.StreamTypeMPEG2Video:
		return mediacommonDemuxable.mpeg1or2
	default:
		return false
	}
}

// audioPIDDemuxable reports whether st is an audio stream type mediacommon
// can decode.
func audioPIDDemuxable(st astits.StreamType) bool {
	switch st {
	case astits.StreamTypeAACAudio:
		return mediacommonDemuxable.aac
	case astits.StreamTypeAC3Audio:
		return mediacommonDemuxable.ac3
	case astits.StreamTypeMPEG1Audio:
		return mediacommonDemuxable.mp3
	default:
		return false
	}
}
