package identity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Load reads the user agent and proxy files. A missing or unset file leaves
// that list empty, which disables rotation for it.
func Load(userAgentPath, proxyPath string, logger *logrus.Logger) (*Lists, error) {
	userAgents, err := readListFile(userAgentPath, func(s string) (string, bool) { return s, true })
	if err != nil {
		return nil, err
	}
	proxies, err := readListFile(proxyPath, NormalizeProxy)
	if err != nil {
		return nil, err
	}

	if len(userAgents) == 0 {
		logger.WithField("path", userAgentPath).Warn("No user agents loaded, generating synthetic user agents")
	}
	if len(proxies) == 0 {
		logger.WithField("path", proxyPath).Warn("No proxies loaded, proxy rotation disabled")
	}
	logger.WithFields(logrus.Fields{
		"user_agents": len(userAgents),
		"proxies":     len(proxies),
	}).Info("Identity lists loaded")

	return &Lists{UserAgents: userAgents, Proxies: proxies}, nil
}

func readListFile(path string, parse func(string) (string, bool)) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	lines, err := ParseList(f, parse)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// ParseList reads one entry per line, skipping blanks, comments and lines parse rejects
func ParseList(r io.Reader, parse func(string) (string, bool)) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if v, ok := parse(line); ok {
			out = append(out, v)
		}
	}
	return out, scanner.Err()
}

// NormalizeProxy accepts ip:port, ip:port:user:pass and scheme://[user:pass@]host:port
// and returns a proxy URL.
func NormalizeProxy(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	if strings.Contains(line, "://") {
		parsed, err := url.Parse(line)
		if err != nil || parsed.Host == "" {
			return "", false
		}
		switch parsed.Scheme {
		case "http", "https", "socks5":
		default:
			return "", false
		}
		return (&url.URL{Scheme: parsed.Scheme, User: parsed.User, Host: parsed.Host}).String(), true
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		return fmt.Sprintf("http://%s:%s", parts[0], parts[1]), true
	case 4:
		host, port, user, pass := parts[0], parts[1], parts[2], parts[3]
		u := &url.URL{Scheme: "http", User: url.UserPassword(user, pass), Host: host + ":" + port}
		return u.String(), true
	default:
		return "", false
	}
}

// Display strips credentials from a proxy URL for logging
func Display(proxy string) string {
	if proxy == "" {
		return "direct"
	}
	parsed, err := url.Parse(proxy)
	if err != nil || parsed.Host == "" {
		return proxy
	}
	return parsed.Host
}
