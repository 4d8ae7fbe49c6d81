// Package tlsroots builds the TLS settings of the remote client.
//
// It merges the system roots with custom CA bundles so deployments behind
// an intercepting proxy or against a private test environment can verify
// the service certificate, and optionally presents a client certificate.
package tlsroots
