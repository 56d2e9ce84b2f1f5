// Package registry implements the outbound SOAP client for the government
// person registry (MConnect GetPerson). Every request envelope is signed and
// every response envelope is verified through the shared WS-Security codec.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

const (
	nsEnvelope = "http://schemas.xmlsoap.org/soap/envelope/"
	nsMConnect = "https://mconnect.gov.md"

	opGetPerson = "GetPerson"

	// The registry rejects oversized call-context headers, so they are
	// truncated before the request is built.
	maxCallingLen    = 13
	maxCallBasisLen  = 256
	maxCallReasonLen = 512

	defaultRequestTimeout = 30 * time.Second
)

// CallContext identifies the caller to the registry. It is carried as a SOAP
// header block on every request.
type CallContext struct {
	CallingUser   string
	CallingEntity string
	CallBasis     string
	CallReason    string
}

// Client is a PersonRegistry over the MConnect SOAP endpoint. A lookup is a
// single bounded-timeout attempt; retry policy belongs to the caller.
type Client struct {
	url        string
	callCtx    CallContext
	codec      ports.EnvelopeCodec
	httpClient *http.Client
	metrics    ports.MetricsRecorder
	logger     *zap.Logger
}

// NewClient creates a registry client posting to url. The call context is
// truncated to the registry's field limits up front.
func NewClient(url string, callCtx CallContext, codec ports.EnvelopeCodec, metrics ports.MetricsRecorder, logger *zap.Logger) *Client {
	if metrics == nil {
		metrics = ports.NewNoopMetricsRecorder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	callCtx.CallingUser = truncate(callCtx.CallingUser, maxCallingLen)
	callCtx.CallingEntity = truncate(callCtx.CallingEntity, maxCallingLen)
	callCtx.CallBasis = truncate(callCtx.CallBasis, maxCallBasisLen)
	callCtx.CallReason = truncate(callCtx.CallReason, maxCallReasonLen)
	return &Client{
		url:        url,
		callCtx:    callCtx,
		codec:      codec,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		metrics:    metrics,
		logger:     logger,
	}
}

var _ ports.PersonRegistry = (*Client)(nil)

// GetPerson looks up a person by IDNP. The request envelope is signed; the
// response envelope's timestamp and signature are verified before the payload
// is read.
func (c *Client) GetPerson(ctx context.Context, idnp string) (*ports.Person, error) {
	if !domain.ValidPersonIDNP(idnp) {
		return nil, domain.BadRequestError(fmt.Sprintf("invalid IDNP %q", idnp))
	}

	person, err := c.call(ctx, idnp)
	c.metrics.RecordSOAPOperation(opGetPerson, err == nil)
	return person, err
}

func (c *Client) call(ctx context.Context, idnp string) (*ports.Person, error) {
	doc := c.buildRequest(idnp)
	if err := c.codec.Sign(doc); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, domain.ServiceUnavailableError("encoding registry request failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, domain.ServiceUnavailableError("building registry request failed", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", nsMConnect+"/GetPerson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("person registry call failed", zap.String("url", c.url), zap.Error(err))
		return nil, domain.ServiceUnavailableError("person registry unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ServiceUnavailableError("reading registry response failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("person registry returned error status",
			zap.String("url", c.url),
			zap.Int("status", resp.StatusCode))
		return nil, domain.ServiceUnavailableError(
			fmt.Sprintf("person registry returned status %d", resp.StatusCode), nil)
	}

	respDoc := etree.NewDocument()
	if err := respDoc.ReadFromBytes(body); err != nil {
		return nil, domain.ServiceUnavailableError("decoding registry response failed", err)
	}

	if err := c.codec.VerifyTimestamp(respDoc); err != nil {
		c.metrics.RecordEnvelopeVerification("mconnect", false)
		return nil, err
	}
	if err := c.codec.VerifySignature(respDoc); err != nil {
		c.metrics.RecordEnvelopeVerification("mconnect", false)
		return nil, err
	}
	c.metrics.RecordEnvelopeVerification("mconnect", true)

	return parsePerson(respDoc)
}

// buildRequest assembles the GetPerson envelope: the call context as a SOAP
// header block, the IDNP in the body. The WS-Security header is added by the
// codec during signing.
func (c *Client) buildRequest(idnp string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", nsEnvelope)
	env.CreateAttr("xmlns:mc", nsMConnect)

	header := env.CreateElement("soap:Header")
	callCtx := header.CreateElement("mc:CallContext")
	callCtx.CreateElement("mc:CallingUser").SetText(c.callCtx.CallingUser)
	callCtx.CreateElement("mc:CallingEntity").SetText(c.callCtx.CallingEntity)
	callCtx.CreateElement("mc:CallBasis").SetText(c.callCtx.CallBasis)
	callCtx.CreateElement("mc:CallReason").SetText(c.callCtx.CallReason)

	body := env.CreateElement("soap:Body")
	op := body.CreateElement("mc:GetPerson")
	op.CreateElement("mc:IDNP").SetText(idnp)

	return doc
}

// parsePerson extracts the person fields from a GetPersonResponse body.
// Matching is on local names so the registry's namespace prefixes do not
// matter.
func parsePerson(doc *etree.Document) (*ports.Person, error) {
	root := doc.Root()
	if root == nil {
		return nil, domain.ServiceUnavailableError("empty registry response", nil)
	}

	body := childByTag(root, "Body")
	if body == nil {
		return nil, domain.ServiceUnavailableError("registry response has no body", nil)
	}
	result := childByTag(body, "GetPersonResponse")
	if result == nil {
		return nil, domain.ServiceUnavailableError("registry response has no GetPersonResponse", nil)
	}

	person := &ports.Person{
		IDNP:      childText(result, "IDNP"),
		FirstName: childText(result, "FirstName"),
		LastName:  childText(result, "LastName"),
	}
	if person.FirstName == "" || person.LastName == "" {
		return nil, domain.ServiceUnavailableError("registry response is missing person names", nil)
	}
	return person, nil
}

func childByTag(parent *etree.Element, tag string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

func childText(parent *etree.Element, tag string) string {
	if child := childByTag(parent, tag); child != nil {
		return strings.TrimSpace(child.Text())
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
