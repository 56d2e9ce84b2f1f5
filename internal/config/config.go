// Package config loads and validates the service configuration file and the
// PEM key material the integrations sign and verify with.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openimis/msystems/internal/core/domain"
)

// Duration is a time.Duration that decodes from the "12h30m" string form.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the whole service configuration, one section per integration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`

	Database Database `yaml:"database"`

	// VerifyIncomingMessages disables WS-Security verification of incoming
	// envelopes when false. Signing outgoing envelopes is never disabled.
	VerifyIncomingMessages *bool `yaml:"verify_incoming_messages"`

	Session  Session  `yaml:"session"`
	SAML     SAML     `yaml:"saml"`
	MPay     MPay     `yaml:"mpay"`
	MConnect MConnect `yaml:"mconnect"`

	Reconciliation Reconciliation `yaml:"reconciliation"`
}

// Database holds the Postgres connection settings.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Session configures the login session tokens.
type Session struct {
	// SigningKeyFile is the RSA key that signs session JWTs. Empty reuses
	// the SAML service-provider key.
	SigningKeyFile string   `yaml:"signing_key_file"`
	Duration       Duration `yaml:"duration"`
}

// SAML configures the MPass service-provider side.
type SAML struct {
	EntityID        string `yaml:"entity_id"`
	ACSURL          string `yaml:"acs_url"`
	MetadataURL     string `yaml:"metadata_url"`
	SuccessURL      string `yaml:"success_url"`
	KeyFile         string `yaml:"key_file"`
	CertificateFile string `yaml:"certificate_file"`

	IdP SAMLIdP `yaml:"idp"`

	Attributes AttributeKeys `yaml:"attributes"`

	LoginRatePerSecond float64 `yaml:"login_rate_per_second"`
	LoginBurst         int     `yaml:"login_burst"`
}

// SAMLIdP describes the trusted identity provider.
type SAMLIdP struct {
	EntityID string `yaml:"entity_id"`
	SSOURL   string `yaml:"sso_url"`

	// CertificateFiles are PEM files with the IdP signing certificates.
	CertificateFiles []string `yaml:"certificate_files"`
}

// AttributeKeys overrides the assertion attribute names, defaulting to the
// MPass contract names.
type AttributeKeys struct {
	FirstName     string `yaml:"first_name"`
	LastName      string `yaml:"last_name"`
	Roles         string `yaml:"roles"`
	Organizations string `yaml:"organizations"`
}

// MPay configures the inbound payment-gateway endpoint.
type MPay struct {
	URL         string `yaml:"url"`
	PaymentPath string `yaml:"payment_path"`
	ServiceID   string `yaml:"service_id"`

	KeyFile                string `yaml:"key_file"`
	CertificateFile        string `yaml:"certificate_file"`
	GatewayCertificateFile string `yaml:"gateway_certificate_file"`

	Currency string `yaml:"currency"`
	Reason   string `yaml:"reason"`

	DestinationAccount DestinationAccount `yaml:"destination_account"`
}

// DestinationAccount is the treasury account announced on order lines.
type DestinationAccount struct {
	BankAccount       string `yaml:"bank_account"`
	BankCode          string `yaml:"bank_code"`
	BankFiscalCode    string `yaml:"bank_fiscal_code"`
	BeneficiaryName   string `yaml:"beneficiary_name"`
	ConfigurationCode string `yaml:"configuration_code"`
}

// MConnect configures the outbound person-registry client.
type MConnect struct {
	URL string `yaml:"url"`

	KeyFile                 string `yaml:"key_file"`
	CertificateFile         string `yaml:"certificate_file"`
	RegistryCertificateFile string `yaml:"registry_certificate_file"`

	CallingUser   string `yaml:"calling_user"`
	CallingEntity string `yaml:"calling_entity"`
	CallBasis     string `yaml:"call_basis"`
	CallReason    string `yaml:"call_reason"`
}

// Reconciliation tunes the login convergence.
type Reconciliation struct {
	// FallbackRole is granted when an assertion carries no role claim.
	FallbackRole string `yaml:"fallback_role"`

	// HomeLocationCode seeds the location grants of first-login users and
	// newly created organizations.
	HomeLocationCode string `yaml:"home_location_code"`
}

// Load reads, decodes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Session.Duration == 0 {
		c.Session.Duration = Duration(12 * time.Hour)
	}
	if c.SAML.LoginRatePerSecond == 0 {
		c.SAML.LoginRatePerSecond = 5
	}
	if c.SAML.LoginBurst == 0 {
		c.SAML.LoginBurst = 10
	}
	if c.MPay.Currency == "" {
		c.MPay.Currency = "MDL"
	}
	if c.MPay.Reason == "" {
		c.MPay.Reason = "Contribution payment"
	}
	if c.Reconciliation.FallbackRole == "" {
		c.Reconciliation.FallbackRole = "Employer"
	}
}

// Validate checks that every section a deployment cannot run without is
// present.
func (c *Config) Validate() error {
	switch {
	case c.Database.DSN == "":
		return domain.ConfigError("database.dsn is required")
	case c.SAML.EntityID == "":
		return domain.ConfigError("saml.entity_id is required")
	case c.SAML.ACSURL == "":
		return domain.ConfigError("saml.acs_url is required")
	case c.SAML.MetadataURL == "":
		return domain.ConfigError("saml.metadata_url is required")
	case c.SAML.KeyFile == "":
		return domain.ConfigError("saml.key_file is required")
	case c.SAML.CertificateFile == "":
		return domain.ConfigError("saml.certificate_file is required")
	case c.SAML.IdP.EntityID == "":
		return domain.ConfigError("saml.idp.entity_id is required")
	case c.SAML.IdP.SSOURL == "":
		return domain.ConfigError("saml.idp.sso_url is required")
	case c.MPay.ServiceID == "":
		return domain.ConfigError("mpay.service_id is required")
	case c.MPay.KeyFile == "":
		return domain.ConfigError("mpay.key_file is required")
	case c.MPay.CertificateFile == "":
		return domain.ConfigError("mpay.certificate_file is required")
	case c.MConnect.URL == "":
		return domain.ConfigError("mconnect.url is required")
	case c.MConnect.KeyFile == "":
		return domain.ConfigError("mconnect.key_file is required")
	case c.MConnect.CertificateFile == "":
		return domain.ConfigError("mconnect.certificate_file is required")
	case c.Reconciliation.HomeLocationCode == "":
		return domain.ConfigError("reconciliation.home_location_code is required")
	}
	return nil
}

// Verify reports whether incoming envelopes must be verified. Unset means
// verify.
func (c *Config) Verify() bool {
	return c.VerifyIncomingMessages == nil || *c.VerifyIncomingMessages
}

// Keys returns the assertion attribute names with MPass defaults applied.
func (c *Config) Keys() domain.AttributeKeys {
	keys := domain.DefaultAttributeKeys()
	if c.SAML.Attributes.FirstName != "" {
		keys.FirstName = c.SAML.Attributes.FirstName
	}
	if c.SAML.Attributes.LastName != "" {
		keys.LastName = c.SAML.Attributes.LastName
	}
	if c.SAML.Attributes.Roles != "" {
		keys.Roles = c.SAML.Attributes.Roles
	}
	if c.SAML.Attributes.Organizations != "" {
		keys.Organizations = c.SAML.Attributes.Organizations
	}
	return keys
}

// LoadCertificate loads the first X.509 certificate from a PEM file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			return cert, nil
		}
		data = rest
	}

	return nil, fmt.Errorf("no certificate found in %s", path)
}

// LoadPrivateKey loads an RSA private key from a PEM file. Both PKCS#1 and
// PKCS#8 encodings are accepted.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 key: %w", err)
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("key in %s is not RSA", path)
			}
			return rsaKey, nil
		}
		data = rest
	}

	return nil, fmt.Errorf("no private key found in %s", path)
}
