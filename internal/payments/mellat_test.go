package payments

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type capturedSOAP struct {
	method string
	body   string
}

func mellatServer(t *testing.T, responses map[string]string) (*httptest.Server, *[]capturedSOAP) {
	t.Helper()
	var calls []capturedSOAP
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "text/xml; charset=utf-8" {
			t.Errorf("unexpected content type %q", ct)
		}
		data, _ := io.ReadAll(r.Body)
		body := string(data)
		method := ""
		for _, name := range []string{"bpPayRequest", "bpVerifyRequest", "bpSettleRequest", "bpReversalRequest"} {
			if strings.Contains(body, "<"+name) {
				method = name
				break
			}
		}
		calls = append(calls, capturedSOAP{method: method, body: body})
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><ns2:`+method+`Response xmlns:ns2="http://interfaces.core.sw.bps.com/"><return>`+responses[method]+`</return></ns2:`+method+`Response></soap:Body></soap:Envelope>`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestMellat(t *testing.T, endpoint string) *MellatClient {
	t.Helper()
	client, err := NewMellatClient(MellatConfig{
		TerminalID:  1234,
		Username:    "merchant",
		Password:    "p&ss",
		Endpoint:    endpoint,
		StartPayURL: "https://bpm.example/startpay.mellat",
		Clock: func() time.Time {
			return time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC)
		},
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("new mellat client: %v", err)
	}
	return client
}

func TestMellatRequestPaymentSuccess(t *testing.T) {
	srv, calls := mellatServer(t, map[string]string{"bpPayRequest": "0,AF82041A2BF6989"})
	client := newTestMellat(t, srv.URL)

	session, err := client.RequestPayment(context.Background(), RedirectRequest{
		OrderID:     77,
		Amount:      2500000,
		CallbackURL: "https://api.example/api/v1/payments/callback",
		RequestID:   "REQ-1-abc",
	})
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if session.RefID != "AF82041A2BF6989" {
		t.Fatalf("unexpected ref id %q", session.RefID)
	}
	if session.RedirectURL != "https://bpm.example/startpay.mellat?RefId=AF82041A2BF6989" {
		t.Fatalf("unexpected redirect %q", session.RedirectURL)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one SOAP call, got %d", len(*calls))
	}
	body := (*calls)[0].body
	for _, want := range []string{
		`xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"`,
		`<bpPayRequest xmlns="http://interfaces.core.sw.bps.com/">`,
		"<terminalId>1234</terminalId>",
		"<userPassword>p&amp;ss</userPassword>",
		"<orderId>77</orderId>",
		"<amount>2500000</amount>",
		"<localDate>20240301</localDate>",
		"<localTime>093015</localTime>",
		"<additionalData>Contract-77</additionalData>",
		"<payerId>0</payerId>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected request body to contain %q\n%s", want, body)
		}
	}
}

func TestMellatRequestPaymentRejected(t *testing.T) {
	srv, _ := mellatServer(t, map[string]string{"bpPayRequest": "21"})
	client := newTestMellat(t, srv.URL)

	_, err := client.RequestPayment(context.Background(), RedirectRequest{
		OrderID:     5,
		Amount:      1000,
		CallbackURL: "https://api.example/cb",
	})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if ErrorCode(err) != "21" {
		t.Fatalf("expected code 21, got %q", ErrorCode(err))
	}
	if !strings.Contains(ErrorMessage(err), "Invalid merchant") {
		t.Fatalf("expected merchant message, got %q", ErrorMessage(err))
	}
}

func TestMellatVerifyAndSettleTreatDuplicatesAsSuccess(t *testing.T) {
	srv, calls := mellatServer(t, map[string]string{
		"bpVerifyRequest": "43",
		"bpSettleRequest": "45",
	})
	client := newTestMellat(t, srv.URL)
	req := SettlementRequest{SaleOrderID: "77", SaleReferenceID: "998877", RefID: "AF8"}

	if err := client.Verify(context.Background(), req); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := client.Settle(context.Background(), req); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(*calls))
	}
	if !strings.Contains((*calls)[0].body, "<saleReferenceId>998877</saleReferenceId>") {
		t.Fatalf("expected sale reference in verify body")
	}
}

func TestMellatSettleFailure(t *testing.T) {
	srv, _ := mellatServer(t, map[string]string{"bpSettleRequest": "46"})
	client := newTestMellat(t, srv.URL)

	err := client.Settle(context.Background(), SettlementRequest{SaleOrderID: "1", SaleReferenceID: "2"})
	if err == nil {
		t.Fatalf("expected settle failure")
	}
	if ErrorCode(err) != "46" {
		t.Fatalf("expected code 46, got %q", ErrorCode(err))
	}
}

func TestMellatVerifyRequiresIdentifiers(t *testing.T) {
	client := newTestMellat(t, "http://127.0.0.1:1")
	if err := client.Verify(context.Background(), SettlementRequest{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMellatSOAPFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><soap:Fault><faultcode>soap:Server</faultcode><faultstring>unknown terminal</faultstring></soap:Fault></soap:Body></soap:Envelope>`)
	}))
	defer srv.Close()
	client := newTestMellat(t, srv.URL)

	_, err := client.RequestPayment(context.Background(), RedirectRequest{OrderID: 1, Amount: 10, CallbackURL: "https://x"})
	if err == nil {
		t.Fatalf("expected fault error")
	}
	if ErrorMessage(err) != "unknown terminal" {
		t.Fatalf("unexpected message %q", ErrorMessage(err))
	}
}

func TestMellatEnvelopeShape(t *testing.T) {
	env := soapEnvelope{SoapNS: soapNamespace, Body: soapBody{Content: bpSaleRequest{
		XMLName:         xml.Name{Space: mellatNamespace, Local: "bpReversalRequest"},
		OrderID:         "1",
		SaleOrderID:     "1",
		SaleReferenceID: "2",
	}}}
	data, err := xml.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	if !strings.HasPrefix(got, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><bpReversalRequest xmlns="http://interfaces.core.sw.bps.com/">`) {
		t.Fatalf("unexpected envelope: %s", got)
	}
}

func TestMellatMessageUnknownCode(t *testing.T) {
	if msg := MellatMessage(999); !strings.Contains(msg, "999") {
		t.Fatalf("expected code in unknown message, got %q", msg)
	}
	if msg := MellatMessage(MellatCodeUserCancelled); !strings.Contains(msg, "User cancelled") {
		t.Fatalf("unexpected message %q", msg)
	}
}
