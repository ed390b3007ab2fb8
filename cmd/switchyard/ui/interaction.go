package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoColor = "NO_COLOR"
	envCI      = "CI"
	envTerm    = "TERM"
)

var configureOnce sync.Once

// Configure picks the color profile once: full color on interactive
// terminals, plain ASCII when piped, in CI, or with --plain.
func Configure(plain bool) {
	configureOnce.Do(func() {
		if colorCapable(plain) {
			lipgloss.SetColorProfile(termenv.ColorProfile())
			return
		}
		lipgloss.SetColorProfile(termenv.Ascii)
	})
}

func colorCapable(plain bool) bool {
	if plain {
		return false
	}
	if envTruthy(envNoColor) || envTruthy(envCI) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(envTerm)), "dumb") {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
