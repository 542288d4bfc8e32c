// Package extract pulls reference frames out of rendered chunk videos
// using ffmpeg. Failures here are warnings upstream, never fatal.
package extract

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"renderflow/internal/pkg/errors"
	"renderflow/internal/pkg/logger"
)

// Extractor reads frames and frame counts from local video files.
type Extractor interface {
	// ExtractFrame writes the 1-based frameIndex of the video to outPath
	// as a still image.
	ExtractFrame(ctx context.Context, videoPath string, frameIndex int, outPath string) error
	// FrameCount returns the number of video frames in the file.
	FrameCount(ctx context.Context, videoPath string) (int, error)
}

// FFmpeg shells out to ffmpeg and ffprobe.
type FFmpeg struct {
	ffmpegBin  string
	ffprobeBin string
	log        *logger.Logger
}

func NewFFmpeg(log *logger.Logger) *FFmpeg {
	if log == nil {
		log = logger.NewDefault()
	}
	return &FFmpeg{
		ffmpegBin:  "ffmpeg",
		ffprobeBin: "ffprobe",
		log:        log.WithComponent("extract"),
	}
}

func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, frameIndex int, outPath string) error {
	if frameIndex < 1 {
		frameIndex = 1
	}
	// select filtra por número de frame (0-based dentro de ffmpeg)
	filter := fmt.Sprintf("select=eq(n\\,%d)", frameIndex-1)
	cmd := exec.CommandContext(ctx, f.ffmpegBin,
		"-y",
		"-i", videoPath,
		"-vf", filter,
		"-frames:v", "1",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeExtraction, "extract.ExtractFrame",
			fmt.Sprintf("frame %d of %s: %s", frameIndex, videoPath, tail(out))).
			WithField("video", videoPath).
			WithField("frame", frameIndex)
	}
	f.log.Debug("frame extracted", "video", videoPath, "frame", frameIndex, "out", outPath)
	return nil
}

func (f *FFmpeg) FrameCount(ctx context.Context, videoPath string) (int, error) {
	cmd := exec.CommandContext(ctx, f.ffprobeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "csv=p=0",
		videoPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeExtraction, "extract.FrameCount",
			fmt.Sprintf("probing %s", videoPath)).
			WithField("video", videoPath)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeExtraction, "extract.FrameCount",
			fmt.Sprintf("unexpected ffprobe output %q", strings.TrimSpace(string(out))))
	}
	return n, nil
}

// tail keeps the last line of tool output for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
