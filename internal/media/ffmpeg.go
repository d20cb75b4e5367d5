// Package media wraps the ffprobe and ffmpeg binaries used to measure and
// transcode call recordings.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoDuration is returned when ffprobe reports no usable duration.
var ErrNoDuration = errors.New("no duration reported")

// Config locates the binaries and bounds each invocation.
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	ProbeTimeout   time.Duration
	ConvertTimeout time.Duration
	Bitrate        string
	PadTail        time.Duration
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg implements duration probing and voice-note transcoding.
type FFmpeg struct {
	cfg    Config
	run    Runner
	logger *zap.Logger
}

// New returns an FFmpeg backed by os/exec.
func New(cfg Config, logger *zap.Logger) *FFmpeg {
	return NewWithRunner(cfg, execRunner, logger)
}

// NewWithRunner allows tests to replace process execution.
func NewWithRunner(cfg Config, run Runner, logger *zap.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = 120 * time.Second
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "64k"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{cfg: cfg, run: run, logger: logger}
}

// Probe returns the container duration of path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	out, err := f.run(ctx, f.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return parseDuration(out)
}

// ToOggOpus converts input to an Opus voice note next to it.
func (f *FFmpeg) ToOggOpus(ctx context.Context, input string) (string, error) {
	output := strings.TrimSuffix(input, filepath.Ext(input)) + ".ogg"
	if output == input {
		output = strings.TrimSuffix(input, ".ogg") + "_opus.ogg"
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConvertTimeout)
	defer cancel()
	if _, err := f.run(ctx, f.cfg.FFmpegPath,
		"-y", "-i", input,
		"-c:a", "libopus", "-b:a", f.cfg.Bitrate, "-vn",
		output,
	); err != nil {
		return "", fmt.Errorf("ffmpeg opus convert: %w", err)
	}
	return output, nil
}

// PadTail appends PadTail of silence so chat clients do not clip the end.
func (f *FFmpeg) PadTail(ctx context.Context, input string) (string, error) {
	if f.cfg.PadTail <= 0 {
		return input, nil
	}
	dur, err := f.Probe(ctx, input)
	if err != nil {
		return "", err
	}
	output := strings.TrimSuffix(input, filepath.Ext(input)) + "_padded.ogg"
	target := dur + f.cfg.PadTail
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConvertTimeout)
	defer cancel()
	if _, err := f.run(ctx, f.cfg.FFmpegPath,
		"-y", "-i", input,
		"-af", "apad=pad_dur="+formatSeconds(f.cfg.PadTail),
		"-t", formatSeconds(target),
		"-c:a", "libopus",
		output,
	); err != nil {
		return "", fmt.Errorf("ffmpeg pad tail: %w", err)
	}
	if _, err := os.Stat(output); err != nil {
		return "", fmt.Errorf("padded output missing: %w", err)
	}
	return output, nil
}

func parseDuration(out []byte) (time.Duration, error) {
	raw := strings.TrimSpace(string(out))
	if raw == "" || raw == "N/A" {
		return 0, ErrNoDuration
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if secs <= 0 {
		return 0, ErrNoDuration
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- binary paths come from operator configuration.
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return out, nil
}
