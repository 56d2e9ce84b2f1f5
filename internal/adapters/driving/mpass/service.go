// Package mpass implements the SAML service-provider side of the MPass
// federated login: the AuthnRequest redirect, the assertion consumer service
// that feeds verified assertions into the identity reconciler, SP metadata,
// and session token issuance.
package mpass

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	dsig "github.com/russellhaering/goxmldsig"
	"go.uber.org/zap"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
	"github.com/openimis/msystems/internal/core/service"
)

// requestIDLifetime bounds how long an outstanding AuthnRequest stays
// answerable.
const requestIDLifetime = 10 * time.Minute

// IdPConfig describes the MPass identity provider this service provider
// trusts.
type IdPConfig struct {
	EntityID string

	// SSOURL is the single sign-on endpoint AuthnRequests are sent to.
	SSOURL string

	// SSOBinding defaults to the HTTP-Redirect binding.
	SSOBinding string

	// Certificates holds the IdP signing certificates, base64 DER.
	Certificates []string
}

// Service provides the SAML Service Provider operations for MPass logins.
type Service struct {
	entityID     string
	acsURL       *url.URL
	metadataURL  *url.URL
	privateKey   *rsa.PrivateKey
	certificate  *x509.Certificate
	idp          IdPConfig
	requestCache *RequestIDCache
	keys         domain.AttributeKeys
	reconciler   *service.Reconciler
	sessions     *SessionStore
	metrics      ports.MetricsRecorder
	logger       *zap.Logger
}

// NewService creates the SAML service. acsURL and metadataURL are the
// externally visible endpoints of this service provider.
func NewService(entityID string, acsURL, metadataURL *url.URL, privateKey *rsa.PrivateKey, certificate *x509.Certificate,
	idp IdPConfig, keys domain.AttributeKeys, reconciler *service.Reconciler, sessions *SessionStore,
	metrics ports.MetricsRecorder, logger *zap.Logger) *Service {
	if idp.SSOBinding == "" {
		idp.SSOBinding = saml.HTTPRedirectBinding
	}
	if metrics == nil {
		metrics = ports.NewNoopMetricsRecorder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		entityID:     entityID,
		acsURL:       acsURL,
		metadataURL:  metadataURL,
		privateKey:   privateKey,
		certificate:  certificate,
		idp:          idp,
		requestCache: NewRequestIDCache(),
		keys:         keys,
		reconciler:   reconciler,
		sessions:     sessions,
		metrics:      metrics,
		logger:       logger,
	}
}

// Metadata creates the SP metadata XML for registration with MPass, signed
// with the SP key so MPass can verify its origin.
func (s *Service) Metadata() ([]byte, error) {
	sp := s.buildServiceProvider()
	raw, err := xml.MarshalIndent(sp.Metadata(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse metadata for signing: %w", err)
	}

	keyStore := dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{s.certificate.Raw},
		PrivateKey:  s.privateKey,
	})
	signingContext := dsig.NewDefaultSigningContext(keyStore)
	signingContext.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	signedRoot, err := signingContext.SignEnveloped(doc.Root())
	if err != nil {
		return nil, fmt.Errorf("sign metadata: %w", err)
	}
	doc.SetRoot(signedRoot)
	return doc.WriteToBytes()
}

// buildServiceProvider creates a crewjam/saml.ServiceProvider for SP
// operations.
func (s *Service) buildServiceProvider() *saml.ServiceProvider {
	return &saml.ServiceProvider{
		EntityID:    s.entityID,
		Key:         s.privateKey,
		Certificate: s.certificate,
		MetadataURL: *s.metadataURL,
		AcsURL:      *s.acsURL,
		IDPMetadata: s.idpEntityDescriptor(),
	}
}

// idpEntityDescriptor converts the configured IdP into a saml.EntityDescriptor.
func (s *Service) idpEntityDescriptor() *saml.EntityDescriptor {
	ed := &saml.EntityDescriptor{
		EntityID: s.idp.EntityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{{
			SingleSignOnServices: []saml.Endpoint{{
				Binding:  s.idp.SSOBinding,
				Location: s.idp.SSOURL,
			}},
		}},
	}

	for _, certData := range s.idp.Certificates {
		ed.IDPSSODescriptors[0].KeyDescriptors = append(
			ed.IDPSSODescriptors[0].KeyDescriptors,
			saml.KeyDescriptor{
				Use: "signing",
				KeyInfo: saml.KeyInfo{
					X509Data: saml.X509Data{
						X509Certificates: []saml.X509Certificate{{Data: certData}},
					},
				},
			},
		)
	}

	return ed
}

// StartAuth generates an AuthnRequest and returns the redirect URL to the
// IdP. The request ID is cached for response validation.
func (s *Service) StartAuth(relayState string) (*url.URL, error) {
	sp := s.buildServiceProvider()

	authReq, err := sp.MakeAuthenticationRequest(s.idp.SSOURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return nil, fmt.Errorf("make authentication request: %w", err)
	}

	s.requestCache.Store(authReq.ID, time.Now().Add(requestIDLifetime))

	redirectURL, err := authReq.Redirect(relayState, sp)
	if err != nil {
		return nil, fmt.Errorf("build redirect url: %w", err)
	}
	return redirectURL, nil
}

// HandleACS processes a SAML Response from the IdP: validate it, build the
// typed identity assertion, reconcile local state, and issue a session token.
func (s *Service) HandleACS(r *http.Request) (string, *domain.LocalUser, error) {
	sp := s.buildServiceProvider()

	assertion, err := sp.ParseResponse(r, s.requestCache.Pending())
	if err != nil {
		s.metrics.RecordLoginAttempt(false)
		s.logger.Error("saml response rejected", zap.Error(err))
		return "", nil, domain.BadRequestError("invalid SAML response")
	}

	// The InResponseTo field links back to our original AuthnRequest;
	// consume it so the response cannot be replayed.
	if assertion.Subject != nil {
		for _, sc := range assertion.Subject.SubjectConfirmations {
			if sc.SubjectConfirmationData != nil && sc.SubjectConfirmationData.InResponseTo != "" {
				s.requestCache.Consume(sc.SubjectConfirmationData.InResponseTo)
			}
		}
	}

	identity, err := identityFromAssertion(assertion, s.keys)
	if err != nil {
		s.metrics.RecordLoginAttempt(false)
		s.logger.Error("saml assertion unusable", zap.Error(err))
		return "", nil, err
	}

	user, err := s.reconciler.Login(r.Context(), identity)
	if err != nil {
		s.metrics.RecordLoginAttempt(false)
		return "", nil, err
	}

	// user.Roles is the converged grant set, which includes the fallback
	// role and excludes asserted roles with no local mapping.
	token, err := s.sessions.Create(user.Username, user.Roles)
	if err != nil {
		s.metrics.RecordLoginAttempt(false)
		s.logger.Error("session token issuance failed",
			zap.String("username", user.Username), zap.Error(err))
		return "", nil, fmt.Errorf("create session: %w", err)
	}

	s.metrics.RecordLoginAttempt(true)
	s.logger.Info("login completed",
		zap.String("username", user.Username),
		zap.Strings("roles", user.Roles))
	return token, user, nil
}

// identityFromAssertion maps a validated SAML assertion onto the typed
// identity the reconciler consumes. Attributes keep all their values; role
// and organization claims are multi-valued.
func identityFromAssertion(assertion *saml.Assertion, keys domain.AttributeKeys) (domain.IdentityAssertion, error) {
	subject := ""
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		subject = assertion.Subject.NameID.Value
	}

	attrs := make(map[string][]string)
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			key := attr.FriendlyName
			if key == "" {
				key = attr.Name
			}
			for _, value := range attr.Values {
				attrs[key] = append(attrs[key], value.Value)
			}
		}
	}

	return domain.NewIdentityAssertion(subject, attrs, keys)
}
