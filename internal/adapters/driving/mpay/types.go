package mpay

import "encoding/xml"

// Namespace is the SOAP namespace of the payment-gateway service contract.
const Namespace = "https://mpay.gov.md"

// CustomerTypeOrganization is the only customer type this service issues;
// orders are always billed to employer organizations.
const CustomerTypeOrganization = "Organization"

// OrderDetailsQuery is the GetOrderDetails request payload.
type OrderDetailsQuery struct {
	Language  string `xml:"Language"`
	OrderKey  string `xml:"OrderKey"`
	ServiceID string `xml:"ServiceID"`
}

// PaymentAccount is the destination treasury account carried on every order
// line.
type PaymentAccount struct {
	BankAccount       string `xml:"BankAccount"`
	BankCode          string `xml:"BankCode"`
	BankFiscalCode    string `xml:"BankFiscalCode"`
	BeneficiaryName   string `xml:"BeneficiaryName"`
	ConfigurationCode string `xml:"ConfigurationCode,omitempty"`
}

// OrderLine is one payable line in a GetOrderDetails response. AmountDue is a
// decimal string; the gateway protocol round-trips amounts verbatim.
type OrderLine struct {
	AmountDue          string         `xml:"AmountDue"`
	DestinationAccount PaymentAccount `xml:"DestinationAccount"`
	LineID             string         `xml:"LineID"`
	Reason             string         `xml:"Reason"`
}

// OrderDetails is the order description returned to the gateway.
type OrderDetails struct {
	Currency       string      `xml:"Currency"`
	CustomerID     string      `xml:"CustomerID,omitempty"`
	CustomerName   string      `xml:"CustomerName"`
	CustomerType   string      `xml:"CustomerType"`
	Lines          []OrderLine `xml:"Lines>OrderLine"`
	OrderKey       string      `xml:"OrderKey"`
	Reason         string      `xml:"Reason"`
	ServiceID      string      `xml:"ServiceID"`
	Status         string      `xml:"Status"`
	TotalAmountDue string      `xml:"TotalAmountDue"`
}

// GetOrderDetailsResponse is the GetOrderDetails response body element.
type GetOrderDetailsResponse struct {
	XMLName      xml.Name     `xml:"https://mpay.gov.md GetOrderDetailsResponse"`
	OrderDetails OrderDetails `xml:"GetOrderDetailsResult>OrderDetails"`
}

// PaymentConfirmationLine is one paid line in a ConfirmOrderPayment request.
type PaymentConfirmationLine struct {
	Amount             string         `xml:"Amount"`
	DestinationAccount PaymentAccount `xml:"DestinationAccount"`
	LineID             string         `xml:"LineID"`
}

// PaymentConfirmation is the ConfirmOrderPayment request payload. PaidAt is
// kept as the raw xsd:dateTime text; the handler parses it with the envelope
// time formats.
type PaymentConfirmation struct {
	Currency    string                    `xml:"Currency"`
	InvoiceID   string                    `xml:"InvoiceID"`
	Lines       []PaymentConfirmationLine `xml:"Lines>PaymentConfirmationLine"`
	OrderKey    string                    `xml:"OrderKey"`
	PaidAt      string                    `xml:"PaidAt"`
	PaymentID   string                    `xml:"PaymentID"`
	ServiceID   string                    `xml:"ServiceID"`
	TotalAmount string                    `xml:"TotalAmount"`
}

// ConfirmOrderPaymentResponse is the empty acknowledgement body element.
type ConfirmOrderPaymentResponse struct {
	XMLName xml.Name `xml:"https://mpay.gov.md ConfirmOrderPaymentResponse"`
}
