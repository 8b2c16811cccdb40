package supervisor

import (
	"path/filepath"

	"github.com/oshokin/lab-monitor/internal/config"
)

const (
	// PlaylistName is the HLS playlist written by the transcoder.
	PlaylistName = "index.m3u8"
	// segmentPattern names the HLS segments.
	segmentPattern = "segment%d.ts"
)

// PlaylistPath returns the playlist location inside outputDir.
func PlaylistPath(outputDir string) string {
	return filepath.Join(outputDir, PlaylistName)
}

// TranscodeCommand builds the ffmpeg invocation for the stream: RTSP over TCP in,
// 4 second HLS segments, 3 segment sliding window, video copied, audio to AAC.
func TranscodeCommand(cfg config.Stream) Command {
	return Command{
		Path: cfg.FFmpegPath,
		Args: []string{
			"-rtsp_transport", "tcp",
			"-i", cfg.SourceURL,
			"-fflags", "flush_packets",
			"-hls_time", "4",
			"-hls_list_size", "3",
			"-vcodec", "copy",
			"-acodec", "aac",
			"-hls_segment_filename", filepath.Join(cfg.OutputDir, segmentPattern),
			"-hls_flags", "delete_segments+append_list",
			"-y", PlaylistPath(cfg.OutputDir),
		},
	}
}
