package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileDevice replays a recorded audio file as the capture stream. The whole
// file counts as recorded once the device opens.
type FileDevice struct {
	Path string
}

func (d FileDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(d.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: no audio file configured", ErrDeviceUnavailable)
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// FilePlayer "plays" audio by writing it to Path, replacing earlier output.
type FilePlayer struct {
	Path string
}

func (p FilePlayer) Play(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("voice: play: %w", err)
		}
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		return fmt.Errorf("voice: play: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		return fmt.Errorf("voice: play: %w", err)
	}
	return nil
}
