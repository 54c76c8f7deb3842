package provision

import (
	"net"
	"net/url"

	"github.com/qudata/browserd/internal/domain"
)

// RewriteEndpoint makes a browser-reported websocket URL reachable by the
// caller. In docker mode a loopback host becomes hostWSIP; otherwise
// 127.0.0.1 becomes localhost. Unparseable endpoints are returned as is.
func RewriteEndpoint(endpoint string, mode domain.DeploymentMode, hostWSIP string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}

	host := u.Hostname()
	var replacement string
	switch {
	case mode == domain.ModeDocker && (host == "127.0.0.1" || host == "localhost"):
		replacement = hostWSIP
	case mode != domain.ModeDocker && host == "127.0.0.1":
		replacement = "localhost"
	default:
		return endpoint
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(replacement, port)
	} else {
		u.Host = replacement
	}
	return u.String()
}
