// Package protocol describes how endpoint groups register their routes.
package protocol

import "net/http"

// EndpointRoute is one method and path served by an endpoint group.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
	// Protected routes require a client bearer token when auth is enabled.
	Protected bool
}

// Endpoint is a named group of routes.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
