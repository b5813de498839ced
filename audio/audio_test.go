package audio

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	http "github.com/bogdanfinn/fhttp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-automation/identity"
	"form-automation/speech"
)

type fakeDoer struct {
	status int
	body   string
	req    *http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.req = req
	return &http.Response{
		StatusCode: f.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

type fakeTranscriber struct {
	text string
	err  error
	got  []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	f.got = audio
	return f.text, f.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func factoryFor(doer *fakeDoer, proxies *[]string) ClientFactory {
	return func(proxyURL string) (speech.Doer, error) {
		*proxies = append(*proxies, proxyURL)
		return doer, nil
	}
}

func fakeConverter(out []byte, runErr error) *Converter {
	c := NewConverter("ffmpeg", 16000)
	c.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	c.run = func(_ context.Context, _ string, _ []string, in []byte) ([]byte, error) {
		if runErr != nil {
			return nil, runErr
		}
		return append(out, in...), nil
	}
	return c
}

func TestDownloaderUsesSessionIdentity(t *testing.T) {
	doer := &fakeDoer{status: 200, body: "mp3-data"}
	var proxies []string
	d := NewDownloader(factoryFor(doer, &proxies), quietLogger())

	data, err := d.Fetch(context.Background(), "https://www.google.com/recaptcha/api2/payload?p=1",
		identity.Identity{UserAgent: "UA/1", Proxy: "http://1.2.3.4:80"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-data"), data)
	assert.Equal(t, []string{"http://1.2.3.4:80"}, proxies)
	assert.Equal(t, []string{"UA/1"}, doer.req.Header["user-agent"])
	assert.Equal(t, http.MethodGet, doer.req.Method)
}

func TestDownloaderRejectsBadStatus(t *testing.T) {
	var proxies []string
	d := NewDownloader(factoryFor(&fakeDoer{status: 404}, &proxies), quietLogger())

	_, err := d.Fetch(context.Background(), "https://example.com/a.mp3", identity.Identity{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDownloaderRejectsEmptyClip(t *testing.T) {
	var proxies []string
	d := NewDownloader(factoryFor(&fakeDoer{status: 200}, &proxies), quietLogger())

	_, err := d.Fetch(context.Background(), "https://example.com/a.mp3", identity.Identity{})
	assert.Error(t, err)
}

func TestConverterMissingBinary(t *testing.T) {
	c := NewConverter("", 0)
	c.lookPath = func(string) (string, error) { return "", errors.New("not in PATH") }

	_, err := c.Convert(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrConverterMissing)
}

func TestConverterArgs(t *testing.T) {
	c := NewConverter("", 8000)
	args := strings.Join(c.args(), " ")

	assert.Contains(t, args, "-i pipe:0")
	assert.Contains(t, args, "-ac 1")
	assert.Contains(t, args, "-ar 8000")
	assert.Contains(t, args, "-f flac")
	assert.True(t, strings.HasSuffix(args, "pipe:1"))
}

func TestConverterRunFailure(t *testing.T) {
	c := fakeConverter(nil, errors.New("exit status 1: invalid data"))

	_, err := c.Convert(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConverterMissing)
}

func TestPipelineLowercasesTranscript(t *testing.T) {
	var proxies []string
	tr := &fakeTranscriber{text: "  Seven Apples "}
	p := NewPipeline(
		NewDownloader(factoryFor(&fakeDoer{status: 200, body: "mp3"}, &proxies), quietLogger()),
		fakeConverter([]byte("flac:"), nil),
		tr,
		quietLogger(),
	)

	text, err := p.Transcribe(context.Background(), "https://example.com/a.mp3", identity.Identity{})
	require.NoError(t, err)
	assert.Equal(t, "seven apples", text)
	assert.Equal(t, []byte("flac:mp3"), tr.got)
}

func TestPipelineRecognitionFailure(t *testing.T) {
	var proxies []string
	p := NewPipeline(
		NewDownloader(factoryFor(&fakeDoer{status: 200, body: "mp3"}, &proxies), quietLogger()),
		fakeConverter([]byte("flac:"), nil),
		&fakeTranscriber{err: speech.ErrRecognitionFailed},
		quietLogger(),
	)

	_, err := p.Transcribe(context.Background(), "https://example.com/a.mp3", identity.Identity{})
	assert.ErrorIs(t, err, speech.ErrRecognitionFailed)
}
