// Package browser launches Chromium processes that expose the DevTools
// protocol on a given port.
//
// A launch starts the binary with --remote-debugging-port, waits until
// /json/version answers with a websocket URL, and hands back a handle whose
// Close sends SIGTERM, escalates to SIGKILL after a grace period and removes
// the private profile directory.
//
// The Chromium binary is either configured explicitly or resolved through
// Playwright's browser cache.
package browser
