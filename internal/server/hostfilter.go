package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
)

// DefaultClientIPEnv names the environment variable holding the client ip used when a
// connection's remote address can't be parsed
const DefaultClientIPEnv = "DCRFGATE_DEFAULT_CLIENT_IP"

type hostRule struct {
	clientIP *regexp.Regexp
	path     *regexp.Regexp
}

// HostFilter decides which client ips may connect to which paths. A connection is allowed if
// any rule matches both its client ip and its path. A filter without rules allows everything.
type HostFilter struct {
	rules []hostRule
}

// anchored makes a pattern match only at the start of the input
func anchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)`)
}

func ParseHostFilter(pairs [][]string) (*HostFilter, error) {
	f := &HostFilter{}
	for _, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("invalid client ip and path pattern pair: %v", pair)
		}
		clientIP, err := anchored(pair[0])
		if err != nil {
			return nil, fmt.Errorf("bad client ip pattern: %w", err)
		}
		path, err := anchored(pair[1])
		if err != nil {
			return nil, fmt.Errorf("bad path pattern: %w", err)
		}
		f.rules = append(f.rules, hostRule{clientIP: clientIP, path: path})
	}
	return f, nil
}

func (f *HostFilter) Allowed(clientIP, path string) bool {
	if len(f.rules) == 0 {
		return true
	}
	for _, rule := range f.rules {
		if rule.clientIP.MatchString(clientIP) && rule.path.MatchString(path) {
			return true
		}
	}
	return false
}

// ClientIP returns the host part of remoteAddr, or the value of DefaultClientIPEnv if there is none
func ClientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	return os.Getenv(DefaultClientIPEnv)
}

// denyAll closes every connection it is given, which refuses the websocket upgrade
func denyAll(ctx context.Context, scope *multiplex.Scope, receive multiplex.ReceiveFunc, send multiplex.SendFunc) error {
	for {
		f, err := receive(ctx)
		if err != nil {
			return err
		}
		switch f.Kind {
		case multiplex.KindConnect:
			if err := send(ctx, &multiplex.Frame{Kind: multiplex.KindClose}); err != nil {
				return err
			}
		case multiplex.KindDisconnect:
			return nil
		}
	}
}
