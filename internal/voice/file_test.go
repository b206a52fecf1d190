package voice

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDevice_Open(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "question.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	rc, err := FileDevice{Path: path}.Open(context.Background())
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(b))
	require.NoError(t, rc.Close())

	_, err = FileDevice{Path: filepath.Join(dir, "missing.wav")}.Open(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	_, err = FileDevice{}.Open(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestFilePlayer_WritesAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "reply.mp3")
	p := FilePlayer{Path: path}
	require.NoError(t, p.Play(context.Background(), []byte("first")))
	require.NoError(t, p.Play(context.Background(), []byte("second")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Play(ctx, []byte("x")), context.Canceled)
}

func TestCapture_FromFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.wav")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))
	rec := &fakeRecognizer{candidates: []string{"what did I eat"}}
	c := newController(t, FileDevice{Path: path}, rec)

	require.NoError(t, c.Start(context.Background()))
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "what did I eat", res.Transcript)
	require.Equal(t, "audio-bytes", string(rec.got))
}
