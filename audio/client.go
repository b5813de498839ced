package audio

import (
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"form-automation/speech"
)

// ClientFactory builds an HTTP client that exits through proxyURL ("" for direct)
type ClientFactory func(proxyURL string) (speech.Doer, error)

func defaultClientFactory(proxyURL string) (speech.Doer, error) {
	return NewClient(proxyURL)
}

// NewClient returns a Chrome-fingerprinted client so clip downloads look like the browser's own traffic
func NewClient(proxyURL string) (tls_client.HttpClient, error) {
	return NewClientWithProfile(proxyURL, profiles.DefaultClientProfile, 30)
}

func NewClientWithProfile(proxyURL string, profile profiles.ClientProfile, timeoutSeconds int) (tls_client.HttpClient, error) {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeoutSeconds),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}
	return tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
}
