package domain

import "fmt"

// DeploymentMode selects launch flags and endpoint host rewriting.
type DeploymentMode string

const (
	// ModeLocal runs headed browsers for developers on their own machine.
	ModeLocal DeploymentMode = "local"
	// ModeProduction runs headless, unsandboxed browsers on a CI host.
	ModeProduction DeploymentMode = "production"
	// ModeDocker is ModeProduction plus rewriting of the endpoint host so
	// that callers outside the container can reach the browser.
	ModeDocker DeploymentMode = "docker"
)

func ParseDeploymentMode(s string) (DeploymentMode, error) {
	switch DeploymentMode(s) {
	case ModeLocal, ModeProduction, ModeDocker:
		return DeploymentMode(s), nil
	case "":
		return ModeLocal, nil
	default:
		return "", fmt.Errorf("unknown deployment mode %q (expected local, production or docker)", s)
	}
}

// Headless reports whether browsers are launched without a window.
func (m DeploymentMode) Headless() bool {
	return m == ModeProduction || m == ModeDocker
}

// LaunchArgs returns the extra Chromium flags for the mode.
func (m DeploymentMode) LaunchArgs() []string {
	if m.Headless() {
		return []string{"--no-sandbox", "--disable-setuid-sandbox", "--remote-debugging-address=0.0.0.0"}
	}
	return []string{"--start-maximized"}
}
