package ports

import "github.com/beevik/etree"

// EnvelopeCodec signs outgoing SOAP envelopes and verifies incoming ones.
// Both the outbound registry client and the inbound payment-gateway server
// use the same codec, each with its own key material.
type EnvelopeCodec interface {
	// Sign inserts a WS-Security timestamp into the envelope header and
	// embeds an XML digital signature over the envelope. The document is
	// mutated in place. Signing is never subject to the verification bypass.
	Sign(doc *etree.Document) error

	// VerifyTimestamp checks the Created/Expires window of the envelope's
	// security header against the current time, with clock-skew tolerance.
	VerifyTimestamp(doc *etree.Document) error

	// VerifySignature validates the embedded signature against the trusted
	// counterparty certificate.
	VerifySignature(doc *etree.Document) error
}

// VerifyPolicy reports whether incoming envelopes must be verified. It is
// consulted on every verification call, never cached, so deployments can
// toggle it without restarting.
type VerifyPolicy func() bool

// AlwaysVerify is the production policy.
func AlwaysVerify() bool { return true }

// NeverVerify disables verification for staging and demo deployments that
// have no real counterparty certificates.
func NeverVerify() bool { return false }
