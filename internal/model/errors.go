package model

import "fmt"

// NotFoundError means no route matched the request.
type NotFoundError struct {
	Method string
	Host   string
	Path   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no route for %s %s%s", e.Method, e.Host, e.Path)
}

// ServiceUnavailableError means a route matched but no backend could be
// selected, either because the supplier returned nothing or because it failed.
type ServiceUnavailableError struct {
	Key string // route identity
	Err error  // supplier error, nil when the instance list was empty
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service unavailable for %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("service unavailable for %q: no instances", e.Key)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// ConfigurationError is a route definition that cannot be served.
type ConfigurationError struct {
	Route  string // route identity or name
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("route %q: %s", e.Route, e.Reason)
}
