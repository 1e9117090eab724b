// Package cachekey derives store identities for intercepted requests.
package cachekey

import "net/http"

// Keyer generates request identities within one cache generation.
// Identities are method- and URL-scoped; generation scoping is the
// store's concern, not the key's.
type Keyer struct{}

// Identity returns the store identity for a request.
// The identity covers the method and the full URL including scheme, host,
// path and query, so the same path on two hosts never collides.
func (Keyer) Identity(r *http.Request) string {
	return r.Method + ":" + r.URL.String()
}

// IdentityForURL returns the identity a GET for the given URL would have.
// Used by precache warm-up, which stores by URL before any request arrives.
func (Keyer) IdentityForURL(url string) string {
	return "GET:" + url
}
