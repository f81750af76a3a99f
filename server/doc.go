// Package server implements the IndieAuth authorization server logic:
// client metadata discovery with SSRF protection, profile URL ("me")
// validation, redirect URI authorization, consent handling, and the
// authorization-code and token lifecycles.
//
// The package is HTTP-agnostic; the root indieauth package provides the
// HTTP adapter on top of it.
package server
