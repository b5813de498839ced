package audio

import (
	"context"
	"fmt"
	"io"

	http "github.com/bogdanfinn/fhttp"
	"github.com/sirupsen/logrus"

	"form-automation/identity"
)

// maxClipBytes bounds a downloaded clip; challenge clips are a few hundred KB
const maxClipBytes = 10 << 20

// Downloader fetches challenge clips with the same identity as the browser session
type Downloader struct {
	newClient ClientFactory
	logger    *logrus.Logger
}

func NewDownloader(newClient ClientFactory, logger *logrus.Logger) *Downloader {
	if newClient == nil {
		newClient = defaultClientFactory
	}
	return &Downloader{newClient: newClient, logger: logger}
}

// Fetch downloads src through id's proxy, presenting id's user agent
func (d *Downloader) Fetch(ctx context.Context, src string, id identity.Identity) ([]byte, error) {
	client, err := d.newClient(id.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create download client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build clip request: %w", err)
	}
	req.Header = http.Header{
		"accept":          {"*/*"},
		"accept-language": {"en-US,en;q=0.9"},
		"range":           {"bytes=0-"},
		http.HeaderOrderKey: {
			"accept",
			"user-agent",
			"accept-language",
			"range",
		},
	}
	if id.UserAgent != "" {
		req.Header["user-agent"] = []string{id.UserAgent}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clip download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("clip download returned status %d", resp.StatusCode)
	}

	body := http.DecompressBody(resp)
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxClipBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read clip: %w", err)
	}
	if len(data) > maxClipBytes {
		return nil, fmt.Errorf("clip exceeds %d bytes", maxClipBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("clip is empty")
	}

	d.logger.WithFields(logrus.Fields{
		"bytes": len(data),
		"proxy": identity.Display(id.Proxy),
	}).Debug("Audio clip downloaded")
	return data, nil
}
