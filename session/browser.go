package session

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
)

// chromeCandidates returns the usual install locations for the host OS
func chromeCandidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Google\\Chrome\\Application\\chrome.exe"),
			filepath.Join(os.Getenv("PROGRAMFILES"), "Google\\Chrome\\Application\\chrome.exe"),
			filepath.Join(os.Getenv("PROGRAMFILES(X86)"), "Google\\Chrome\\Application\\chrome.exe"),
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}
}

// FindBrowser resolves the browser binary. An explicit path must exist;
// otherwise the usual install locations and PATH are searched.
func FindBrowser(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("browser binary %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, path := range chromeCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, ok := launcher.LookPath(); ok {
		return path, nil
	}
	return "", fmt.Errorf("no Chrome or Chromium installation found")
}
