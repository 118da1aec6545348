package main

import "net/http"

// httpDoer is the client contract the integration readiness probe needs.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}
