package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrConverterMissing is returned when the ffmpeg binary cannot be found
var ErrConverterMissing = errors.New("ffmpeg not found")

// Converter re-encodes clips into the mono FLAC the recognizer expects
type Converter struct {
	binary     string
	sampleRate int
	lookPath   func(string) (string, error)
	run        func(ctx context.Context, bin string, args []string, in []byte) ([]byte, error)
}

func NewConverter(binary string, sampleRate int) *Converter {
	if binary == "" {
		binary = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Converter{
		binary:     binary,
		sampleRate: sampleRate,
		lookPath:   exec.LookPath,
		run:        runCommand,
	}
}

// Check resolves the ffmpeg binary, failing with ErrConverterMissing
func (c *Converter) Check() (string, error) {
	path, err := c.lookPath(c.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConverterMissing, c.binary, err)
	}
	return path, nil
}

// Convert pipes in through ffmpeg and returns FLAC at the configured sample rate
func (c *Converter) Convert(ctx context.Context, in []byte) ([]byte, error) {
	path, err := c.Check()
	if err != nil {
		return nil, err
	}
	out, err := c.run(ctx, path, c.args(), in)
	if err != nil {
		return nil, fmt.Errorf("failed to convert clip: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed to convert clip: empty output")
	}
	return out, nil
}

func (c *Converter) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-sample_fmt", "s16",
		"-f", "flac",
		"pipe:1",
	}
}

func runCommand(ctx context.Context, bin string, args []string, in []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
