// Package domain holds the core models for the government e-services
// integration: identity assertions delivered by the MPass identity provider,
// the local user/role/organization records they are reconciled against, and
// the WS-Security timestamp window policy shared by the SOAP integrations.
package domain

import (
	"strings"
)

// AttributeKeys names the assertion attributes this module consumes. The key
// names are fixed by the identity provider contract and configurable per
// deployment.
type AttributeKeys struct {
	FirstName     string
	LastName      string
	Roles         string
	Organizations string
}

// DefaultAttributeKeys returns the attribute names used by MPass.
func DefaultAttributeKeys() AttributeKeys {
	return AttributeKeys{
		FirstName:     "FirstName",
		LastName:      "LastName",
		Roles:         "Role",
		Organizations: "OrganizationAdministrator",
	}
}

// IdentityAssertion is the typed view of a verified SAML assertion. It is
// built once at the trust boundary and never persisted verbatim.
type IdentityAssertion struct {
	// Username is the stable external identifier (SAML NameID).
	Username string

	FirstName string
	LastName  string

	// Roles holds asserted role names in assertion order. Empty means the
	// configured fallback role applies.
	Roles []string

	// Organizations holds the administered legal entities, parsed from the
	// raw "<display name> <registration code>" attribute values.
	Organizations []OrganizationAffiliation
}

// OrganizationAffiliation is one parsed legal-entity affiliation.
type OrganizationAffiliation struct {
	Name string
	Code string
}

// NewIdentityAssertion builds a typed assertion from the raw post-assertion
// attribute map. Missing FirstName or LastName is a hard error; missing Roles
// or Organizations default to empty (the reconciler applies the fallback
// role).
func NewIdentityAssertion(username string, attributes map[string][]string, keys AttributeKeys) (IdentityAssertion, error) {
	if username == "" {
		return IdentityAssertion{}, BadRequestError("assertion has no subject")
	}

	firstName := firstValue(attributes[keys.FirstName])
	if firstName == "" {
		return IdentityAssertion{}, BadRequestError("assertion has no " + keys.FirstName + " attribute")
	}
	lastName := firstValue(attributes[keys.LastName])
	if lastName == "" {
		return IdentityAssertion{}, BadRequestError("assertion has no " + keys.LastName + " attribute")
	}

	a := IdentityAssertion{
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
	}

	for _, role := range attributes[keys.Roles] {
		if role != "" {
			a.Roles = append(a.Roles, role)
		}
	}

	for _, raw := range attributes[keys.Organizations] {
		affiliation, err := ParseAffiliation(raw)
		if err != nil {
			return IdentityAssertion{}, err
		}
		a.Organizations = append(a.Organizations, affiliation)
	}

	return a, nil
}

// ParseAffiliation splits a raw "<display name> <registration code>" value at
// the last whitespace run. The rule is brittle for names ending in numeric
// tokens but matches the wire format of the identity provider, so it is kept
// isolated here.
func ParseAffiliation(raw string) (OrganizationAffiliation, error) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.LastIndexFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
	if idx <= 0 {
		return OrganizationAffiliation{}, BadRequestError("malformed legal entity attribute: " + raw)
	}

	name := strings.TrimSpace(trimmed[:idx])
	code := strings.TrimSpace(trimmed[idx+1:])
	if name == "" || code == "" {
		return OrganizationAffiliation{}, BadRequestError("malformed legal entity attribute: " + raw)
	}

	return OrganizationAffiliation{Name: name, Code: code}, nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
