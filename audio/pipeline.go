// Package audio downloads challenge clips, re-encodes them and hands them to a transcriber
package audio

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"form-automation/identity"
	"form-automation/speech"
)

// Pipeline runs download, conversion and transcription for one clip
type Pipeline struct {
	downloader  *Downloader
	converter   *Converter
	transcriber speech.Transcriber
	logger      *logrus.Logger
}

func NewPipeline(downloader *Downloader, converter *Converter, transcriber speech.Transcriber, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		downloader:  downloader,
		converter:   converter,
		transcriber: transcriber,
		logger:      logger,
	}
}

// Transcribe returns the lower-cased words spoken in the clip at src
func (p *Pipeline) Transcribe(ctx context.Context, src string, id identity.Identity) (string, error) {
	clip, err := p.downloader.Fetch(ctx, src, id)
	if err != nil {
		return "", err
	}
	flac, err := p.converter.Convert(ctx, clip)
	if err != nil {
		return "", err
	}
	text, err := p.transcriber.Transcribe(ctx, flac)
	if err != nil {
		return "", fmt.Errorf("failed to transcribe clip: %w", err)
	}

	text = strings.ToLower(strings.TrimSpace(text))
	p.logger.WithField("passcode", text).Info("Audio clip transcribed")
	return text, nil
}
