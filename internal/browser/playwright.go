package browser

import (
	"fmt"
	"io"

	"github.com/playwright-community/playwright-go"
)

func runOptions() *playwright.RunOptions {
	return &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
}

// Install downloads the Playwright driver and its Chromium build.
func Install() error {
	if err := playwright.Install(runOptions()); err != nil {
		return fmt.Errorf("install playwright chromium: %w", err)
	}
	return nil
}

// PlaywrightExecutable returns the path of the Chromium build managed by
// Playwright, installing it first when install is true.
func PlaywrightExecutable(install bool) (string, error) {
	if install {
		if err := Install(); err != nil {
			return "", err
		}
	}

	pw, err := playwright.Run(runOptions())
	if err != nil {
		return "", fmt.Errorf("start playwright: %w", err)
	}
	defer func() { _ = pw.Stop() }()

	path := pw.Chromium.ExecutablePath()
	if path == "" {
		return "", fmt.Errorf("playwright reported no chromium executable")
	}
	return path, nil
}
