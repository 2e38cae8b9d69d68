package launcher

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrNoBinary is returned when no Chrome binary can be located.
var ErrNoBinary = errors.New("launcher: chrome executable not found")

// FindBinary locates a Chrome (or headless-shell) binary: environment
// override first, then the platform canonical install locations, then PATH.
func FindBinary(headlessShell bool) (string, error) {
	if headlessShell {
		if p := os.Getenv("CHROME_HEADLESS_SHELL"); p != "" {
			return p, nil
		}
	}
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome"),
		}
	case "windows":
		for _, env := range []string{"LOCALAPPDATA", "PROGRAMFILES", "PROGRAMFILES(X86)"} {
			if base := os.Getenv(env); base != "" {
				paths = append(paths, filepath.Join(base, "Google", "Chrome", "Application", "chrome.exe"))
			}
		}
	default:
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	for _, name := range []string{"google-chrome", "chrome", "chromium"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrNoBinary
}
