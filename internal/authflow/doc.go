// Package authflow runs the interactive OAuth2 authorization-code flow with PKCE.
//
// A Coordinator issues single-use CSRF states, opens the vendor consent page,
// receives the redirect on a local callback listener (or reads a pasted code in
// manual mode), exchanges the code and writes the resulting credential to the
// token store. At most one flow runs per identity; concurrent callers share the
// same Pending handle. Every flow is bounded by a timeout, and the listener is
// released once no flow needs it.
package authflow
