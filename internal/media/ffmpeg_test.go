package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   [][]string
	outputs map[string][]byte
	err     error
	touch   bool
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	if f.touch && strings.HasSuffix(name, "ffmpeg") {
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("ogg"), 0o600); err != nil {
			return nil, err
		}
	}
	return f.outputs[name], nil
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	d, err := parseDuration([]byte("7.000000\n"))
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, d)

	_, err = parseDuration([]byte("N/A"))
	require.ErrorIs(t, err, ErrNoDuration)
	_, err = parseDuration([]byte(""))
	require.ErrorIs(t, err, ErrNoDuration)
	_, err = parseDuration([]byte("0"))
	require.ErrorIs(t, err, ErrNoDuration)
	_, err = parseDuration([]byte("abc"))
	require.Error(t, err)
}

func TestProbeInvokesFFprobe(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string][]byte{"/usr/bin/ffprobe": []byte("6.25")}}
	f := NewWithRunner(Config{FFprobePath: "/usr/bin/ffprobe"}, runner.run, nil)

	d, err := f.Probe(context.Background(), "/tmp/call_A1.mp3")
	require.NoError(t, err)
	require.Equal(t, 6250*time.Millisecond, d)
	require.Equal(t, []string{
		"/usr/bin/ffprobe", "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", "/tmp/call_A1.mp3",
	}, runner.calls[0])
}

func TestToOggOpusNaming(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	f := NewWithRunner(Config{}, runner.run, nil)

	out, err := f.ToOggOpus(context.Background(), "/work/call_A1.wav")
	require.NoError(t, err)
	require.Equal(t, "/work/call_A1.ogg", out)
	require.Contains(t, runner.calls[0], "libopus")
	require.Contains(t, runner.calls[0], "64k")

	out, err = f.ToOggOpus(context.Background(), "/work/call_A1.ogg")
	require.NoError(t, err)
	require.Equal(t, "/work/call_A1_opus.ogg", out)
}

func TestPadTailAddsSilence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := filepath.Join(dir, "call.ogg")
	runner := &fakeRunner{outputs: map[string][]byte{"ffprobe": []byte("7.0")}, touch: true}
	f := NewWithRunner(Config{PadTail: 2 * time.Second}, runner.run, nil)

	out, err := f.PadTail(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "call_padded.ogg"), out)
	ffmpegCall := runner.calls[1]
	require.Contains(t, ffmpegCall, "apad=pad_dur=2.000")
	require.Contains(t, ffmpegCall, "9.000")
}

func TestPadTailDisabled(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	out, err := NewWithRunner(Config{}, runner.run, nil).PadTail(context.Background(), "in.ogg")
	require.NoError(t, err)
	require.Equal(t, "in.ogg", out)
	require.Empty(t, runner.calls)
}

func TestRunnerErrorsPropagate(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("exit status 1")}
	f := NewWithRunner(Config{}, runner.run, nil)
	_, err := f.Probe(context.Background(), "x.mp3")
	require.ErrorContains(t, err, "exit status 1")
	_, err = f.ToOggOpus(context.Background(), "x.mp3")
	require.ErrorContains(t, err, "ffmpeg opus convert")
}
