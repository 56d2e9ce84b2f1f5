package envelope

import (
	"time"

	"github.com/beevik/etree"

	"github.com/openimis/msystems/internal/core/domain"
)

// WS-Security namespace URIs.
const (
	nsEnvelope = "http://schemas.xmlsoap.org/soap/envelope/"
	nsWSSE     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsWSU      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
)

// addTimestamp inserts Header/Security/Timestamp with Created=now and
// Expires=now+ttl into the envelope. The header is created as the first
// child of the envelope if absent.
func addTimestamp(root *etree.Element, now time.Time, ttl time.Duration) {
	header := childElement(root, "Header")
	if header == nil {
		header = etree.NewElement("Header")
		header.Space = root.Space
		root.InsertChildAt(0, header)
	}

	security := header.CreateElement("wsse:Security")
	security.CreateAttr("xmlns:wsse", nsWSSE)

	timestamp := security.CreateElement("wsu:Timestamp")
	timestamp.CreateAttr("xmlns:wsu", nsWSU)

	created := timestamp.CreateElement("wsu:Created")
	created.SetText(domain.FormatWSUTime(now))
	expires := timestamp.CreateElement("wsu:Expires")
	expires.SetText(domain.FormatWSUTime(now.Add(ttl)))
}

// securityTimestamp extracts the Created/Expires instants from the envelope's
// security header. Missing or malformed elements produce timestamp_missing
// errors.
func securityTimestamp(root *etree.Element) (created, expires time.Time, err error) {
	timestamp := findPath(root, "Header", "Security", "Timestamp")

	createdEl := childElement(timestamp, "Created")
	if createdEl == nil {
		return time.Time{}, time.Time{}, domain.TimestampMissingError("Created")
	}
	created, parseErr := domain.ParseWSUTime(createdEl.Text())
	if parseErr != nil {
		return time.Time{}, time.Time{}, &domain.AppError{
			Code:    domain.ErrCodeTimestampMissing,
			Message: "Created timestamp is malformed",
			Cause:   parseErr,
		}
	}

	expiresEl := childElement(timestamp, "Expires")
	if expiresEl == nil {
		return time.Time{}, time.Time{}, domain.TimestampMissingError("Expires")
	}
	expires, parseErr = domain.ParseWSUTime(expiresEl.Text())
	if parseErr != nil {
		return time.Time{}, time.Time{}, &domain.AppError{
			Code:    domain.ErrCodeTimestampMissing,
			Message: "Expires timestamp is malformed",
			Cause:   parseErr,
		}
	}

	return created, expires, nil
}

// childElement returns the first child with the given local name, ignoring
// namespace prefixes. Counterparties prefix the security header elements
// differently, so matching is prefix-agnostic.
func childElement(parent *etree.Element, localName string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, child := range parent.ChildElements() {
		if child.Tag == localName {
			return child
		}
	}
	return nil
}

// findPath walks a chain of local names from root.
func findPath(root *etree.Element, localNames ...string) *etree.Element {
	current := root
	for _, name := range localNames {
		current = childElement(current, name)
		if current == nil {
			return nil
		}
	}
	return current
}
