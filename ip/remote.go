package ip

import (
	"net"
	"net/http"
	"strings"
)

// RealIPHeader is set by most reverse proxies alongside X-Forwarded-For.
const RealIPHeader = "X-Real-IP"

// RemoteHost returns the address of the client, without a port. Order:
//   - 'X-Forwarded-For', first entry only
//   - the custom header, if given
//   - req.RemoteAddr
func RemoteHost(req *http.Request, customHeaderName string) string {
	candidates := []string{req.Header.Get("X-Forwarded-For")}
	if customHeaderName != "" {
		candidates = append(candidates, req.Header.Get(customHeaderName))
	}
	candidates = append(candidates, req.RemoteAddr)

	var header string
	for _, v := range candidates {
		if strings.TrimSpace(v) != "" {
			header = v
			break
		}
	}

	// sometimes you get multiple addresses
	addr := strings.TrimSpace(strings.Split(header, ",")[0])
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
