// Package mpay implements the inbound SOAP endpoint the government payment
// gateway calls to query and settle orders. Every incoming envelope is
// verified and every outgoing envelope, faults included, is signed.
package mpay

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

const nsEnvelope = "http://schemas.xmlsoap.org/soap/envelope/"

// Gateway fault codes. These are part of the service contract and must stay
// stable.
const (
	FaultUnknownService   = "UnknownService"
	FaultInvalidParameter = "InvalidParameter"
	FaultInvalidRequest   = "InvalidRequest"
)

const (
	opGetOrderDetails     = "GetOrderDetails"
	opConfirmOrderPayment = "ConfirmOrderPayment"
)

// soapFault aborts an operation with a gateway fault code. The message is
// returned to the gateway verbatim, so it must not carry internals.
type soapFault struct {
	code    string
	message string
}

func (f *soapFault) Error() string {
	return fmt.Sprintf("%s: %s", f.code, f.message)
}

// Config carries the service-contract parameters of the endpoint.
type Config struct {
	// ServiceID is this service's registration with the gateway. Requests
	// carrying any other ID are faulted with UnknownService.
	ServiceID string

	// DestinationAccount is the treasury account announced on every order
	// line.
	DestinationAccount PaymentAccount

	// Currency is the ISO code announced on order details, typically MDL.
	Currency string

	// Reason is the human-readable payment reason on orders and lines.
	Reason string

	// PaymentURL and PaymentPath form the gateway's payer-facing page;
	// PaymentRedirectURL builds links into it.
	PaymentURL  string
	PaymentPath string
}

// Server is the SOAP endpoint handler. It owns no transaction logic; order
// lookup and settlement go through the OrderStore port.
type Server struct {
	cfg     Config
	codec   ports.EnvelopeCodec
	orders  ports.OrderStore
	metrics ports.MetricsRecorder
	logger  *zap.Logger
}

// NewServer creates the gateway endpoint handler.
func NewServer(cfg Config, codec ports.EnvelopeCodec, orders ports.OrderStore, metrics ports.MetricsRecorder, logger *zap.Logger) *Server {
	if metrics == nil {
		metrics = ports.NewNoopMetricsRecorder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Currency == "" {
		cfg.Currency = "MDL"
	}
	return &Server{cfg: cfg, codec: codec, orders: orders, metrics: metrics, logger: logger}
}

// ServeHTTP handles one SOAP request: verify the envelope, dispatch the
// operation, sign and write the response.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeFault(w, &soapFault{FaultInvalidRequest, "unreadable request body"})
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		s.writeFault(w, &soapFault{FaultInvalidRequest, "malformed request envelope"})
		return
	}

	if err := s.verifyEnvelope(doc); err != nil {
		s.metrics.RecordEnvelopeVerification("mpay", false)
		s.writeFault(w, err)
		return
	}
	s.metrics.RecordEnvelopeVerification("mpay", true)

	operation, payload, fault := requestPayload(doc)
	if fault != nil {
		s.writeFault(w, fault)
		return
	}

	response, err := s.dispatch(r, operation, payload)
	if err != nil {
		s.metrics.RecordSOAPOperation(operation, false)
		s.writeFault(w, err)
		return
	}
	s.metrics.RecordSOAPOperation(operation, true)
	s.writeResponse(w, http.StatusOK, response)
}

// verifyEnvelope runs the WS-Security checks and maps any failure onto the
// gateway's InvalidRequest fault, keeping internals out of the fault string.
func (s *Server) verifyEnvelope(doc *etree.Document) error {
	if err := s.codec.VerifyTimestamp(doc); err != nil {
		s.logger.Error("gateway request timestamp rejected", zap.Error(err))
		return &soapFault{FaultInvalidRequest, err.Error()}
	}
	if err := s.codec.VerifySignature(doc); err != nil {
		s.logger.Error("gateway request signature rejected", zap.Error(err))
		return &soapFault{FaultInvalidRequest, "Envelope signature verification failed"}
	}
	return nil
}

// requestPayload locates the operation element in the request body and
// returns its payload serialized for decoding.
func requestPayload(doc *etree.Document) (operation string, payload []byte, fault *soapFault) {
	root := doc.Root()
	if root == nil {
		return "", nil, &soapFault{FaultInvalidRequest, "empty request envelope"}
	}
	body := childByTag(root, "Body")
	if body == nil {
		return "", nil, &soapFault{FaultInvalidRequest, "request envelope has no body"}
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return "", nil, &soapFault{FaultInvalidRequest, "request body is empty"}
	}
	op := children[0]

	// The operation element wraps a single named parameter; decode the
	// parameter subtree when present, the operation element otherwise.
	target := op
	if params := op.ChildElements(); len(params) == 1 {
		target = params[0]
	}

	sub := etree.NewDocument()
	sub.SetRoot(target.Copy())
	data, err := sub.WriteToBytes()
	if err != nil {
		return "", nil, &soapFault{FaultInvalidRequest, "unreadable request payload"}
	}
	return op.Tag, data, nil
}

func (s *Server) dispatch(r *http.Request, operation string, payload []byte) (any, error) {
	switch operation {
	case opGetOrderDetails:
		var query OrderDetailsQuery
		if err := xml.Unmarshal(payload, &query); err != nil {
			return nil, &soapFault{FaultInvalidRequest, "malformed OrderDetailsQuery"}
		}
		return s.getOrderDetails(r, query)
	case opConfirmOrderPayment:
		var confirmation PaymentConfirmation
		if err := xml.Unmarshal(payload, &confirmation); err != nil {
			return nil, &soapFault{FaultInvalidRequest, "malformed PaymentConfirmation"}
		}
		return s.confirmOrderPayment(r, confirmation)
	default:
		return nil, &soapFault{FaultInvalidRequest, fmt.Sprintf("unknown operation %q", operation)}
	}
}

func (s *Server) getOrderDetails(r *http.Request, query OrderDetailsQuery) (any, error) {
	if err := s.checkServiceID(query.ServiceID); err != nil {
		return nil, err
	}

	order, err := s.findOrder(r, query.OrderKey)
	if err != nil {
		return nil, err
	}

	lines := make([]OrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		reason := line.Reason
		if reason == "" {
			reason = s.cfg.Reason
		}
		lines = append(lines, OrderLine{
			AmountDue:          line.Amount,
			DestinationAccount: s.cfg.DestinationAccount,
			LineID:             line.Code,
			Reason:             reason,
		})
	}
	if len(lines) == 0 {
		return nil, &soapFault{FaultInvalidParameter,
			fmt.Sprintf("OrderKey %q has no line items", query.OrderKey)}
	}

	return &GetOrderDetailsResponse{
		OrderDetails: OrderDetails{
			Currency:       order.Currency,
			CustomerID:     order.CustomerCode,
			CustomerName:   order.CustomerName,
			CustomerType:   CustomerTypeOrganization,
			Lines:          lines,
			OrderKey:       order.Code,
			Reason:         s.cfg.Reason,
			ServiceID:      query.ServiceID,
			Status:         string(order.Status.GatewayStatus()),
			TotalAmountDue: order.TotalAmount,
		},
	}, nil
}

func (s *Server) confirmOrderPayment(r *http.Request, confirmation PaymentConfirmation) (any, error) {
	if err := s.checkServiceID(confirmation.ServiceID); err != nil {
		return nil, err
	}

	order, err := s.findOrder(r, confirmation.OrderKey)
	if err != nil {
		return nil, err
	}

	if len(confirmation.Lines) == 0 {
		return nil, &soapFault{FaultInvalidParameter, "payment confirmation has no lines"}
	}
	for _, line := range confirmation.Lines {
		orderLine := order.Line(line.LineID)
		if orderLine == nil {
			return nil, &soapFault{FaultInvalidParameter,
				fmt.Sprintf("LineID %q is unknown", line.LineID)}
		}
		if !amountsEqual(line.Amount, orderLine.Amount) {
			return nil, &soapFault{FaultInvalidParameter,
				fmt.Sprintf("Amount %q does not match the order line %s", line.Amount, orderLine.Code)}
		}
	}

	paidAt, err := domain.ParseWSUTime(confirmation.PaidAt)
	if err != nil {
		return nil, &soapFault{FaultInvalidParameter,
			fmt.Sprintf("PaidAt %q is not a valid timestamp", confirmation.PaidAt)}
	}

	payment := domain.Payment{
		PaymentID: confirmation.PaymentID,
		InvoiceID: confirmation.InvoiceID,
		Amount:    confirmation.TotalAmount,
		PaidAt:    paidAt,
	}
	if err := s.orders.ConfirmPayment(r.Context(), order.ID, payment); err != nil {
		s.logger.Error("payment confirmation failed",
			zap.String("order_key", confirmation.OrderKey),
			zap.String("payment_id", confirmation.PaymentID),
			zap.Error(err))
		return nil, &soapFault{FaultInvalidRequest, "payment confirmation failed"}
	}

	s.logger.Info("order payment confirmed",
		zap.String("order_key", confirmation.OrderKey),
		zap.String("payment_id", confirmation.PaymentID),
		zap.String("total_amount", confirmation.TotalAmount))
	return &ConfirmOrderPaymentResponse{}, nil
}

func (s *Server) checkServiceID(serviceID string) error {
	if serviceID != s.cfg.ServiceID {
		return &soapFault{FaultUnknownService, fmt.Sprintf("ServiceID %q is unknown", serviceID)}
	}
	return nil
}

func (s *Server) findOrder(r *http.Request, orderKey string) (*domain.Order, error) {
	order, err := s.orders.FindOrderByCode(r.Context(), orderKey)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, &soapFault{FaultInvalidParameter,
				fmt.Sprintf("OrderKey %q is unknown", orderKey)}
		}
		s.logger.Error("order lookup failed", zap.String("order_key", orderKey), zap.Error(err))
		return nil, &soapFault{FaultInvalidRequest, "order lookup failed"}
	}
	return order, nil
}

// writeResponse wraps the payload in a signed SOAP envelope.
func (s *Server) writeResponse(w http.ResponseWriter, status int, payload any) {
	data, err := xml.Marshal(payload)
	if err != nil {
		s.logger.Error("encoding gateway response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	payloadDoc := etree.NewDocument()
	if err := payloadDoc.ReadFromBytes(data); err != nil {
		s.logger.Error("encoding gateway response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", nsEnvelope)
	body := env.CreateElement("soap:Body")
	body.AddChild(payloadDoc.Root())

	s.signAndWrite(w, status, doc)
}

// writeFault maps an error onto a signed SOAP fault. Unknown errors become an
// InvalidRequest fault with a generic message.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	var fault *soapFault
	if !errors.As(err, &fault) {
		fault = &soapFault{FaultInvalidRequest, "request processing failed"}
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", nsEnvelope)
	body := env.CreateElement("soap:Body")
	faultEl := body.CreateElement("soap:Fault")
	faultEl.CreateElement("faultcode").SetText(fault.code)
	faultEl.CreateElement("faultstring").SetText(fault.message)

	s.signAndWrite(w, http.StatusInternalServerError, doc)
}

// signAndWrite signs the response envelope and writes it out. Responses are
// signed unconditionally; the verify policy only governs incoming envelopes.
func (s *Server) signAndWrite(w http.ResponseWriter, status int, doc *etree.Document) {
	if err := s.codec.Sign(doc); err != nil {
		s.logger.Error("signing gateway response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(status)
	if _, err := doc.WriteTo(w); err != nil {
		s.logger.Error("writing gateway response failed", zap.Error(err))
	}
}

// PaymentRedirectURL builds the gateway's payer-facing page URL for an order.
func (s *Server) PaymentRedirectURL(orderKey string) string {
	base := strings.TrimSuffix(s.cfg.PaymentURL, "/") + "/" + strings.TrimPrefix(s.cfg.PaymentPath, "/")
	query := url.Values{}
	query.Set("OrderKey", orderKey)
	query.Set("ServiceID", s.cfg.ServiceID)
	return base + "?" + query.Encode()
}

// RedirectHandler is a GET endpoint that sends a payer to the gateway page
// for one of their orders.
func (s *Server) RedirectHandler(w http.ResponseWriter, r *http.Request) {
	orderKey := r.URL.Query().Get("order")
	if orderKey == "" {
		http.Error(w, "missing order parameter", http.StatusBadRequest)
		return
	}
	order, err := s.orders.FindOrderByCode(r.Context(), orderKey)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, s.PaymentRedirectURL(order.Code), http.StatusFound)
}

// amountsEqual compares two decimal strings numerically, so "10.50" and
// "10.5" match.
func amountsEqual(a, b string) bool {
	ra, okA := new(big.Rat).SetString(strings.TrimSpace(a))
	rb, okB := new(big.Rat).SetString(strings.TrimSpace(b))
	if !okA || !okB {
		return false
	}
	return ra.Cmp(rb) == 0
}

func childByTag(parent *etree.Element, tag string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}
