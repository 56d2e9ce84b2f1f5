// Package envelope implements the WS-Security message layer shared by the
// outbound person-registry client and the inbound payment-gateway server:
// a timestamp block plus an enveloped XML digital signature on every SOAP
// envelope, and the symmetric verification of both on receipt.
package envelope

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"go.uber.org/zap"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// Codec signs outgoing envelopes and verifies incoming ones. Stateless aside
// from the verify policy, which is consulted on every verification call, so
// concurrent use from request handlers is safe.
type Codec struct {
	privateKey  *rsa.PrivateKey
	certificate *x509.Certificate
	certStore   dsig.X509CertificateStore
	policy      ports.VerifyPolicy
	tolerance   time.Duration
	ttl         time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewCodec creates a codec that signs with the given key pair and trusts the
// counterparty certificate for verification. policy controls whether incoming
// envelopes are verified at all; signing is never bypassed.
func NewCodec(privateKey *rsa.PrivateKey, certificate, trusted *x509.Certificate, policy ports.VerifyPolicy, logger *zap.Logger) *Codec {
	if policy == nil {
		policy = ports.AlwaysVerify
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{
		privateKey:  privateKey,
		certificate: certificate,
		certStore: &dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{trusted},
		},
		policy:    policy,
		tolerance: domain.DefaultClockSkewTolerance,
		ttl:       domain.DefaultEnvelopeTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// NewCodecWithClock creates a codec with a fixed clock and tolerance.
// Intended for tests.
func NewCodecWithClock(privateKey *rsa.PrivateKey, certificate, trusted *x509.Certificate, policy ports.VerifyPolicy, now func() time.Time, tolerance time.Duration, logger *zap.Logger) *Codec {
	c := NewCodec(privateKey, certificate, trusted, policy, logger)
	c.now = now
	c.tolerance = tolerance
	return c
}

var _ ports.EnvelopeCodec = (*Codec)(nil)

// Sign inserts a WS-Security timestamp and an enveloped signature over the
// whole envelope. The document is mutated in place.
func (c *Codec) Sign(doc *etree.Document) error {
	root := doc.Root()
	if root == nil {
		return domain.BadRequestError("empty envelope document")
	}

	addTimestamp(root, c.now(), c.ttl)

	keyStore := dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{c.certificate.Raw},
		PrivateKey:  c.privateKey,
	})
	signingContext := dsig.NewDefaultSigningContext(keyStore)
	signingContext.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	signedRoot, err := signingContext.SignEnveloped(root)
	if err != nil {
		return domain.SignatureError("envelope signing failed", err)
	}
	doc.SetRoot(signedRoot)
	return nil
}

// VerifyTimestamp checks the envelope's Created/Expires window against the
// current time with clock-skew tolerance. When the verify policy is off the
// check succeeds without inspecting the envelope.
func (c *Codec) VerifyTimestamp(doc *etree.Document) error {
	if !c.policy() {
		return nil
	}

	root := doc.Root()
	if root == nil {
		return domain.TimestampMissingError("Created")
	}

	created, expires, err := securityTimestamp(root)
	if err != nil {
		c.logger.Error("envelope timestamp verification failed", zap.Error(err))
		return err
	}

	now := c.now()
	if !domain.WithinTimestampWindow(created, expires, now, c.tolerance) {
		var err *domain.AppError
		if created.After(now.Add(c.tolerance)) {
			err = domain.TimestampNotYetValidError()
		} else {
			err = domain.TimestampExpiredError()
		}
		c.logger.Error("envelope timestamp outside validity window",
			zap.Time("created", created),
			zap.Time("expires", expires),
			zap.Time("now", now),
			zap.Error(err))
		return err
	}

	return nil
}

// VerifySignature validates the embedded signature against the trusted
// counterparty certificate. When the verify policy is off the check succeeds
// without inspecting the envelope.
func (c *Codec) VerifySignature(doc *etree.Document) error {
	if !c.policy() {
		return nil
	}

	root := doc.Root()
	if root == nil {
		return domain.SignatureMalformedError(errors.New("empty envelope document"))
	}

	validationContext := dsig.NewDefaultValidationContext(c.certStore)
	if _, err := validationContext.Validate(root); err != nil {
		c.logger.Error("envelope signature verification failed", zap.Error(err))
		if errors.Is(err, dsig.ErrMissingSignature) {
			return domain.SignatureMalformedError(err)
		}
		return domain.SignatureError("Envelope signature verification failed", err)
	}

	return nil
}
