// Package protocol pins down the parts of the wire contract that are not
// plain JSON-RPC: the controller's fixed method names, the endpoint layout,
// and the dotted method path carried by relayed inner requests.
//
// Endpoint layout:
//
//	<scheme>://<host>:<port>/jsonrpc                 control channel
//	<scheme>://<host>:<port>/Service/<serviceName>   per-service relay channel
//
// Inner method path, relative to the outer method:
//
//	<outerMethod>.<serviceName>.<methodName>.<methodVersion>
//	<outerMethod>.<prefix>.<serviceName>.<methodName>.<methodVersion>
package protocol

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	MethodClone    = "Controller.1.clone"
	MethodActivate = "Controller.1.activate"

	// DefaultCallsign is the identity cloned by the controller.
	DefaultCallsign = "org.rdk.WebBridge"

	ControlPath       = "/jsonrpc"
	ServicePathPrefix = "/Service/"

	separator = "."
)

// CloneParams are the params of Controller.1.clone.
type CloneParams struct {
	Callsign    string `json:"callsign"`
	NewCallsign string `json:"newcallsign"`
}

// ActivateParams are the params of Controller.1.activate.
type ActivateParams struct {
	Callsign string `json:"callsign"`
}

// ControlEndpoint returns the URL of the controller's JSON-RPC channel.
func ControlEndpoint(scheme, host string, port int) string {
	return endpoint(scheme, host, port, ControlPath)
}

// ServiceEndpoint returns the URL of the relay channel for service.
func ServiceEndpoint(scheme, host string, port int, service string) string {
	return endpoint(scheme, host, port, ServicePathPrefix+service)
}

func endpoint(scheme, host string, port int, path string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

// Route is the local address of a relayed call.
type Route struct {
	Service string
	Method  string
	Version string
}

// Key is the method-table key the route resolves to.
func (r Route) Key() string {
	return r.Version + separator + r.Method
}

func (r Route) String() string {
	return r.Service + separator + r.Key()
}

// MalformedMethodError reports an inner method path that does not follow
// the relay naming contract.
type MalformedMethodError struct {
	Outer  string
	Inner  string
	Reason string
}

func (e *MalformedMethodError) Error() string {
	return fmt.Sprintf("malformed method %q under %q: %s", e.Inner, e.Outer, e.Reason)
}

// ParseRelayMethod strips the outer method name from the inner one and
// splits the remainder into service, method and version. The version is
// whichever of the two trailing tokens is numeric, so both
// "Svc.Ping.1" and "Svc.1.Ping" resolve to key "1.Ping". A four-token path
// starts with a prefix that is skipped; longer paths are read as four
// tokens and the rest is ignored.
func ParseRelayMethod(outer, inner string) (Route, error) {
	malformed := func(reason string) (Route, error) {
		return Route{}, &MalformedMethodError{Outer: outer, Inner: inner, Reason: reason}
	}

	if outer == "" {
		return malformed("empty outer method")
	}
	prefix := outer + separator
	if !strings.HasPrefix(inner, prefix) {
		return malformed("missing outer method prefix")
	}

	tokens := strings.Split(inner[len(prefix):], separator)
	switch {
	case len(tokens) < 3:
		return malformed(fmt.Sprintf("expected at least 3 path tokens, got %d", len(tokens)))
	case len(tokens) > 4:
		// tokens past the version-bearing pair are ignored
		tokens = tokens[:4]
	}
	for _, tok := range tokens {
		if tok == "" {
			return malformed("empty path token")
		}
	}
	var service, a, b string
	if len(tokens) == 3 {
		service, a, b = tokens[0], tokens[1], tokens[2]
	} else {
		service, a, b = tokens[1], tokens[2], tokens[3]
	}

	if v, ok := parseVersion(b); ok {
		return Route{Service: service, Method: a, Version: v}, nil
	}
	if v, ok := parseVersion(a); ok {
		return Route{Service: service, Method: b, Version: v}, nil
	}
	return malformed("no numeric method version")
}

// MethodKey builds the method-table key for name at version.
func MethodKey(name string, version int) string {
	return strconv.Itoa(version) + separator + name
}

// parseVersion accepts a non-negative decimal version and returns it in
// canonical form ("01" becomes "1").
func parseVersion(tok string) (string, bool) {
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}
