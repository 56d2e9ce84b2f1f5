package mpay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/xml"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap/zaptest"

	"github.com/openimis/msystems/internal/adapters/driven/envelope"
	"github.com/openimis/msystems/internal/adapters/driven/store"
	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// generateTestCert generates a self-signed test certificate and private key.
func generateTestCert(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "Test Certificate",
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	return cert, key
}

func testConfig() Config {
	return Config{
		ServiceID: "CNAS01",
		DestinationAccount: PaymentAccount{
			BankAccount:     "MD24TRPAAA14511001000000",
			BankCode:        "TREZMD2X",
			BankFiscalCode:  "1006601000037",
			BeneficiaryName: "CNAS",
		},
		Currency:    "MDL",
		Reason:      "Contribution payment",
		PaymentURL:  "https://mpay.gov.md",
		PaymentPath: "pay",
	}
}

func testOrder() domain.Order {
	return domain.Order{
		ID:           "order-1",
		Code:         "ORD-100",
		CustomerCode: "1234567890122",
		CustomerName: "Acme Corp",
		Currency:     "MDL",
		Status:       domain.BillStatusValidated,
		TotalAmount:  "150.00",
		Lines: []domain.OrderLine{
			{ID: "line-1", Code: "L1", Amount: "100.00", Reason: "Contribution payment"},
			{ID: "line-2", Code: "L2", Amount: "50.00", Reason: "Contribution payment"},
		},
	}
}

// testGateway bundles the server under test with a codec playing the
// gateway's side of the channel.
type testGateway struct {
	server       *httptest.Server
	orders       *store.OrdersInMemory
	gatewayCodec *envelope.Codec
}

func newTestGateway(t *testing.T, orders *store.OrdersInMemory) *testGateway {
	t.Helper()

	serviceCert, serviceKey := generateTestCert(t)
	gatewayCert, gatewayKey := generateTestCert(t)

	serviceCodec := envelope.NewCodec(serviceKey, serviceCert, gatewayCert, ports.AlwaysVerify, zaptest.NewLogger(t))
	srv := NewServer(testConfig(), serviceCodec, orders, nil, zaptest.NewLogger(t))
	httpServer := httptest.NewServer(srv)
	t.Cleanup(httpServer.Close)

	gatewayCodec := envelope.NewCodec(gatewayKey, gatewayCert, serviceCert, ports.AlwaysVerify, zaptest.NewLogger(t))
	return &testGateway{server: httpServer, orders: orders, gatewayCodec: gatewayCodec}
}

// call signs the payload as the gateway would, posts it, verifies the signed
// response, and returns the response body element.
func (g *testGateway) call(t *testing.T, operation string, payload any) *etree.Element {
	t.Helper()

	data, err := xml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	payloadDoc := etree.NewDocument()
	if err := payloadDoc.ReadFromBytes(data); err != nil {
		t.Fatalf("parse payload: %v", err)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", nsEnvelope)
	body := env.CreateElement("soap:Body")
	op := body.CreateElement(operation)
	op.AddChild(payloadDoc.Root())

	if err := g.gatewayCodec.Sign(doc); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return g.post(t, doc)
}

func (g *testGateway) post(t *testing.T, doc *etree.Document) *etree.Element {
	t.Helper()

	data, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("serialize request: %v", err)
	}
	resp, err := http.Post(g.server.URL, `text/xml; charset="utf-8"`, strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("post request: %v", err)
	}
	defer resp.Body.Close()

	respDoc := etree.NewDocument()
	if _, err := respDoc.ReadFrom(resp.Body); err != nil {
		t.Fatalf("parse response: %v", err)
	}

	if err := g.gatewayCodec.VerifyTimestamp(respDoc); err != nil {
		t.Errorf("response timestamp verification: %v", err)
	}
	if err := g.gatewayCodec.VerifySignature(respDoc); err != nil {
		t.Errorf("response signature verification: %v", err)
	}

	respBody := childByTag(respDoc.Root(), "Body")
	if respBody == nil {
		t.Fatal("response has no body")
	}
	children := respBody.ChildElements()
	if len(children) == 0 {
		t.Fatal("response body is empty")
	}
	return children[0]
}

func wantFault(t *testing.T, el *etree.Element, code string) {
	t.Helper()
	if el.Tag != "Fault" {
		t.Fatalf("response element = %s, want Fault", el.Tag)
	}
	faultCode := childByTag(el, "faultcode")
	if faultCode == nil {
		t.Fatal("fault has no faultcode")
	}
	if faultCode.Text() != code {
		t.Errorf("faultcode = %q, want %q", faultCode.Text(), code)
	}
}

func childTextOf(t *testing.T, parent *etree.Element, tags ...string) string {
	t.Helper()
	el := parent
	for _, tag := range tags {
		el = childByTag(el, tag)
		if el == nil {
			t.Fatalf("element %s not found under %s", tag, parent.Tag)
		}
	}
	return el.Text()
}

func TestServer_GetOrderDetails(t *testing.T) {
	gateway := newTestGateway(t, store.NewOrdersInMemory(testOrder()))

	result := gateway.call(t, opGetOrderDetails, OrderDetailsQuery{
		Language:  "ro",
		OrderKey:  "ord-100",
		ServiceID: "CNAS01",
	})

	if result.Tag != "GetOrderDetailsResponse" {
		t.Fatalf("response element = %s, want GetOrderDetailsResponse", result.Tag)
	}
	wrapper := childByTag(result, "GetOrderDetailsResult")
	if wrapper == nil {
		t.Fatal("response has no GetOrderDetailsResult")
	}
	details := childByTag(wrapper, "OrderDetails")
	if details == nil {
		t.Fatal("response has no OrderDetails")
	}

	if got := childTextOf(t, details, "Status"); got != "Active" {
		t.Errorf("Status = %q, want Active", got)
	}
	if got := childTextOf(t, details, "OrderKey"); got != "ORD-100" {
		t.Errorf("OrderKey = %q, want ORD-100", got)
	}
	if got := childTextOf(t, details, "TotalAmountDue"); got != "150.00" {
		t.Errorf("TotalAmountDue = %q, want 150.00", got)
	}
	if got := childTextOf(t, details, "CustomerType"); got != "Organization" {
		t.Errorf("CustomerType = %q, want Organization", got)
	}

	lines := childByTag(details, "Lines")
	if lines == nil {
		t.Fatal("response has no Lines")
	}
	if got := len(lines.ChildElements()); got != 2 {
		t.Fatalf("line count = %d, want 2", got)
	}
	first := lines.ChildElements()[0]
	if got := childTextOf(t, first, "LineID"); got != "L1" {
		t.Errorf("LineID = %q, want L1", got)
	}
	if got := childTextOf(t, first, "DestinationAccount", "BankCode"); got != "TREZMD2X" {
		t.Errorf("BankCode = %q, want TREZMD2X", got)
	}
}

func TestServer_GetOrderDetails_Faults(t *testing.T) {
	tests := []struct {
		name  string
		query OrderDetailsQuery
		code  string
	}{
		{
			name:  "unknown service",
			query: OrderDetailsQuery{OrderKey: "ORD-100", ServiceID: "OTHER"},
			code:  FaultUnknownService,
		},
		{
			name:  "unknown order key",
			query: OrderDetailsQuery{OrderKey: "MISSING", ServiceID: "CNAS01"},
			code:  FaultInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := newTestGateway(t, store.NewOrdersInMemory(testOrder()))
			result := gateway.call(t, opGetOrderDetails, tt.query)
			wantFault(t, result, tt.code)
		})
	}
}

func TestServer_GetOrderDetails_NoLines(t *testing.T) {
	order := testOrder()
	order.Lines = nil
	gateway := newTestGateway(t, store.NewOrdersInMemory(order))

	result := gateway.call(t, opGetOrderDetails, OrderDetailsQuery{
		OrderKey:  "ORD-100",
		ServiceID: "CNAS01",
	})
	wantFault(t, result, FaultInvalidParameter)
}

func testConfirmation() PaymentConfirmation {
	return PaymentConfirmation{
		Currency:  "MDL",
		InvoiceID: "INV-9",
		Lines: []PaymentConfirmationLine{
			{Amount: "100.00", LineID: "L1"},
			{Amount: "50.00", LineID: "L2"},
		},
		OrderKey:    "ORD-100",
		PaidAt:      "2026-08-30T10:00:00Z",
		PaymentID:   "PAY-1",
		ServiceID:   "CNAS01",
		TotalAmount: "150.00",
	}
}

func TestServer_ConfirmOrderPayment(t *testing.T) {
	orders := store.NewOrdersInMemory(testOrder())
	gateway := newTestGateway(t, orders)

	result := gateway.call(t, opConfirmOrderPayment, testConfirmation())
	if result.Tag != "ConfirmOrderPaymentResponse" {
		t.Fatalf("response element = %s, want ConfirmOrderPaymentResponse", result.Tag)
	}

	payments := orders.Payments("order-1")
	if len(payments) != 1 {
		t.Fatalf("payment count = %d, want 1", len(payments))
	}
	if payments[0].PaymentID != "PAY-1" {
		t.Errorf("PaymentID = %q, want PAY-1", payments[0].PaymentID)
	}

	order, err := orders.FindOrderByCode(context.Background(), "ORD-100")
	if err != nil {
		t.Fatalf("FindOrderByCode: %v", err)
	}
	if order.Status != domain.BillStatusPaid {
		t.Errorf("order status = %q, want paid", order.Status)
	}
}

func TestServer_ConfirmOrderPayment_Idempotent(t *testing.T) {
	orders := store.NewOrdersInMemory(testOrder())
	gateway := newTestGateway(t, orders)

	gateway.call(t, opConfirmOrderPayment, testConfirmation())
	gateway.call(t, opConfirmOrderPayment, testConfirmation())

	if got := len(orders.Payments("order-1")); got != 1 {
		t.Errorf("payment count = %d, want 1", got)
	}
}

func TestServer_ConfirmOrderPayment_Faults(t *testing.T) {
	amountMismatch := testConfirmation()
	amountMismatch.Lines[0].Amount = "99.00"

	unknownLine := testConfirmation()
	unknownLine.Lines[1].LineID = "L9"

	badPaidAt := testConfirmation()
	badPaidAt.PaidAt = "yesterday"

	noLines := testConfirmation()
	noLines.Lines = nil

	tests := []struct {
		name         string
		confirmation PaymentConfirmation
		code         string
	}{
		{"amount mismatch", amountMismatch, FaultInvalidParameter},
		{"unknown line", unknownLine, FaultInvalidParameter},
		{"bad paid at", badPaidAt, FaultInvalidParameter},
		{"no lines", noLines, FaultInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := store.NewOrdersInMemory(testOrder())
			gateway := newTestGateway(t, orders)

			result := gateway.call(t, opConfirmOrderPayment, tt.confirmation)
			wantFault(t, result, tt.code)
			if got := len(orders.Payments("order-1")); got != 0 {
				t.Errorf("payment count = %d, want 0", got)
			}
		})
	}
}

func TestServer_ConfirmOrderPayment_EquivalentAmountForms(t *testing.T) {
	orders := store.NewOrdersInMemory(testOrder())
	gateway := newTestGateway(t, orders)

	confirmation := testConfirmation()
	confirmation.Lines[0].Amount = "100.0"
	confirmation.Lines[1].Amount = "50"

	result := gateway.call(t, opConfirmOrderPayment, confirmation)
	if result.Tag != "ConfirmOrderPaymentResponse" {
		t.Fatalf("response element = %s, want ConfirmOrderPaymentResponse", result.Tag)
	}
}

func TestServer_UnsignedRequestFaulted(t *testing.T) {
	gateway := newTestGateway(t, store.NewOrdersInMemory(testOrder()))

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", nsEnvelope)
	body := env.CreateElement("soap:Body")
	op := body.CreateElement(opGetOrderDetails)
	query := op.CreateElement("OrderDetailsQuery")
	query.CreateElement("OrderKey").SetText("ORD-100")
	query.CreateElement("ServiceID").SetText("CNAS01")

	// post verifies the fault envelope's signature, so this also checks
	// that faults are signed.
	result := gateway.post(t, doc)
	wantFault(t, result, FaultInvalidRequest)
}

func TestServer_UnknownOperation(t *testing.T) {
	gateway := newTestGateway(t, store.NewOrdersInMemory(testOrder()))

	result := gateway.call(t, "TransferOrder", OrderDetailsQuery{OrderKey: "ORD-100", ServiceID: "CNAS01"})
	wantFault(t, result, FaultInvalidRequest)
}

func TestServer_PaymentRedirectURL(t *testing.T) {
	cert, key := generateTestCert(t)
	codec := envelope.NewCodec(key, cert, cert, ports.NeverVerify, zaptest.NewLogger(t))
	srv := NewServer(testConfig(), codec, store.NewOrdersInMemory(testOrder()), nil, zaptest.NewLogger(t))

	got := srv.PaymentRedirectURL("ORD-100")
	want := "https://mpay.gov.md/pay?OrderKey=ORD-100&ServiceID=CNAS01"
	if got != want {
		t.Errorf("PaymentRedirectURL = %q, want %q", got, want)
	}
}

func TestServer_RedirectHandler(t *testing.T) {
	cert, key := generateTestCert(t)
	codec := envelope.NewCodec(key, cert, cert, ports.NeverVerify, zaptest.NewLogger(t))
	srv := NewServer(testConfig(), codec, store.NewOrdersInMemory(testOrder()), nil, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	srv.RedirectHandler(rec, httptest.NewRequest(http.MethodGet, "/mpay/payment?order=ord-100", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if got := rec.Header().Get("Location"); !strings.Contains(got, "OrderKey=ORD-100") {
		t.Errorf("Location = %q, want OrderKey=ORD-100", got)
	}

	rec = httptest.NewRecorder()
	srv.RedirectHandler(rec, httptest.NewRequest(http.MethodGet, "/mpay/payment?order=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
