package payments

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MellatProviderName is the registration key of the Mellat gateway.
	MellatProviderName = "mellat"

	// DefaultMellatEndpoint is the production SOAP endpoint.
	DefaultMellatEndpoint = "https://bpm.shaparak.ir/pgwchannel/services/pgw"
	// DefaultMellatStartPayURL is the page customers are redirected to with their RefId.
	DefaultMellatStartPayURL = "https://bpm.shaparak.ir/pgwchannel/startpay.mellat"

	mellatNamespace = "http://interfaces.core.sw.bps.com/"
	soapNamespace   = "http://schemas.xmlsoap.org/soap/envelope/"

	// Mellat result codes with special handling.
	MellatCodeSuccess         = 0
	MellatCodeUserCancelled   = 17
	MellatCodeAlreadyVerified = 43
	MellatCodeAlreadySettled  = 45
	MellatCodeReversed        = 48
)

var tracer = otel.Tracer("github.com/shopcore/api/internal/payments")

var mellatMessages = map[int]string{
	11:  "شماره کارت نامعتبر است - Invalid card number",
	12:  "موجودی کافی نیست - Insufficient balance",
	13:  "رمز نادرست است - Incorrect password",
	14:  "تعداد دفعات وارد کردن رمز بیش از حد مجاز است - Too many password attempts",
	15:  "کارت نامعتبر است - Invalid card",
	16:  "دفعات برداشت وجه بیش از حد مجاز است - Withdrawal frequency exceeded",
	17:  "کاربر از انجام تراکنش منصرف شده است - User cancelled transaction",
	18:  "تاریخ انقضای کارت گذشته است - Card expired",
	19:  "مبلغ برداشت وجه بیش از حد مجاز است - Withdrawal amount exceeds limit",
	21:  "پذیرنده نامعتبر است - Invalid merchant",
	23:  "خطای امنیتی رخ داده است - Security error",
	24:  "اطلاعات کاربری پذیرنده نامعتبر است - Invalid merchant user info",
	25:  "مبلغ نامعتبر است - Invalid amount",
	31:  "پاسخ نامعتبر است - Invalid response",
	32:  "فرمت اطلاعات وارد شده صحیح نمی‌باشد - Invalid data format",
	33:  "حساب نامعتبر است - Invalid account",
	34:  "خطای سیستمی - System error",
	35:  "تاریخ نامعتبر است - Invalid date",
	41:  "شماره درخواست تکراری است - Duplicate request number",
	42:  "تراکنش Sale یافت نشد - Sale transaction not found",
	43:  "قبلا درخواست Verify داده شده است - Verify request already submitted",
	44:  "درخواست Verify یافت نشد - Verify request not found",
	45:  "تراکنش Settle شده است - Transaction already settled",
	46:  "تراکنش Settle نشده است - Transaction not settled",
	47:  "تراکنش Settle یافت نشد - Settle transaction not found",
	48:  "تراکنش Reverse شده است - Transaction reversed",
	49:  "تراکنش Refund یافت نشد - Refund transaction not found",
	51:  "تراکنش تکراری است - Duplicate transaction",
	54:  "تراکنش مرجع موجود نیست - Reference transaction not found",
	55:  "تراکنش نامعتبر است - Invalid transaction",
	61:  "خطا در واریز - Deposit error",
	62:  "مسیر بازگشت به سایت در دامنه ثبت شده برای پذیرنده قرار ندارد - Return URL not in registered domain",
	98:  "سقف استفاده از رمز ایستا به پایان رسیده است - Static password usage limit reached",
	111: "صادر کننده کارت نامعتبر است - Invalid card issuer",
	112: "خطای سوییچ صادر کننده کارت - Card issuer switch error",
	113: "پاسخی از صادر کننده کارت دریافت نشد - No response from card issuer",
	114: "دارنده کارت مجاز به انجام این تراکنش نیست - Cardholder not authorized",
	412: "شناسه قبض نادرست است - Invalid bill identifier",
	413: "شناسه پرداخت نادرست است - Invalid payment identifier",
	414: "سازمان صادر کننده قبض نامعتبر است - Invalid bill issuer",
	415: "زمان جلسه کاری به پایان رسیده است - Session timeout",
	416: "خطا در ثبت اطلاعات - Data registration error",
	417: "شناسه پرداخت کننده نامعتبر است - Invalid payer identifier",
	418: "اشکال در تعریف اطلاعات مشتری - Customer data definition error",
	419: "تعداد دفعات ورود اطلاعات از حد مجاز گذشته است - Data entry attempts exceeded",
	421: "IP نامعتبر است - Invalid IP address",
}

// MellatMessage returns the bilingual description of a Mellat result code.
func MellatMessage(code int) string {
	if msg, ok := mellatMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("خطای ناشناخته - Unknown error (code: %d)", code)
}

// MellatConfig configures the Mellat SOAP client.
type MellatConfig struct {
	TerminalID  int64
	Username    string
	Password    string
	Endpoint    string
	StartPayURL string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      ProviderLogger
	Clock       func() time.Time
	Location    *time.Location
}

// MellatClient talks to the Behpardakht Mellat payment gateway over SOAP.
type MellatClient struct {
	terminalID  int64
	username    string
	password    string
	endpoint    string
	startPayURL string
	http        *http.Client
	logger      ProviderLogger
	clock       func() time.Time
	location    *time.Location
}

var _ RedirectProvider = (*MellatClient)(nil)

// NewMellatClient validates cfg and constructs a client.
func NewMellatClient(cfg MellatConfig) (*MellatClient, error) {
	if cfg.TerminalID <= 0 {
		return nil, errors.New("mellat: terminal id is required")
	}
	if strings.TrimSpace(cfg.Username) == "" || cfg.Password == "" {
		return nil, errors.New("mellat: username and password are required")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultMellatEndpoint
	}
	startPay := strings.TrimSpace(cfg.StartPayURL)
	if startPay == "" {
		startPay = DefaultMellatStartPayURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	loc := cfg.Location
	if loc == nil {
		loc = tehranLocation()
	}

	return &MellatClient{
		terminalID:  cfg.TerminalID,
		username:    strings.TrimSpace(cfg.Username),
		password:    cfg.Password,
		endpoint:    endpoint,
		startPayURL: startPay,
		http:        httpClient,
		logger:      logger,
		clock:       clock,
		location:    loc,
	}, nil
}

func tehranLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Tehran"); err == nil {
		return loc
	}
	return time.FixedZone("IRST", 3*3600+30*60)
}

// Name implements RedirectProvider.
func (c *MellatClient) Name() string { return MellatProviderName }

type soapEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	SoapNS  string   `xml:"xmlns:soap,attr"`
	Body    soapBody `xml:"soap:Body"`
}

type soapBody struct {
	Content any
}

type bpPayRequest struct {
	XMLName        xml.Name `xml:"http://interfaces.core.sw.bps.com/ bpPayRequest"`
	TerminalID     int64    `xml:"terminalId"`
	UserName       string   `xml:"userName"`
	UserPassword   string   `xml:"userPassword"`
	OrderID        int64    `xml:"orderId"`
	Amount         int64    `xml:"amount"`
	LocalDate      string   `xml:"localDate"`
	LocalTime      string   `xml:"localTime"`
	AdditionalData string   `xml:"additionalData"`
	CallBackURL    string   `xml:"callBackUrl"`
	PayerID        string   `xml:"payerId"`
}

type bpSaleRequest struct {
	XMLName         xml.Name
	TerminalID      int64  `xml:"terminalId"`
	UserName        string `xml:"userName"`
	UserPassword    string `xml:"userPassword"`
	OrderID         string `xml:"orderId"`
	SaleOrderID     string `xml:"saleOrderId"`
	SaleReferenceID string `xml:"saleReferenceId"`
}

type soapResponse struct {
	Body struct {
		Fault *struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
		Result struct {
			Return string `xml:"return"`
		} `xml:",any"`
	} `xml:"Body"`
}

// RequestPayment registers the payment and returns the start-pay redirect.
func (c *MellatClient) RequestPayment(ctx context.Context, req RedirectRequest) (RedirectSession, error) {
	if req.OrderID <= 0 {
		return RedirectSession{}, &ProviderError{Provider: MellatProviderName, Op: "pay", Message: "order id is required"}
	}
	if req.Amount <= 0 {
		return RedirectSession{}, &ProviderError{Provider: MellatProviderName, Op: "pay", Code: "25", Message: MellatMessage(25)}
	}
	if strings.TrimSpace(req.CallbackURL) == "" {
		return RedirectSession{}, &ProviderError{Provider: MellatProviderName, Op: "pay", Message: "callback url is required"}
	}

	now := c.clock().In(c.location)
	payerID := strings.TrimSpace(req.PayerID)
	if payerID == "" {
		payerID = "0"
	}
	additional := req.Description
	if additional == "" {
		additional = "Contract-" + strconv.FormatInt(req.OrderID, 10)
	}

	payload := bpPayRequest{
		TerminalID:     c.terminalID,
		UserName:       c.username,
		UserPassword:   c.password,
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		LocalDate:      now.Format("20060102"),
		LocalTime:      now.Format("150405"),
		AdditionalData: additional,
		CallBackURL:    req.CallbackURL,
		PayerID:        payerID,
	}

	ret, err := c.call(ctx, "bpPayRequest", req.RequestID, payload)
	if err != nil {
		return RedirectSession{}, err
	}

	parts := strings.SplitN(ret, ",", 2)
	code, convErr := strconv.Atoi(strings.TrimSpace(parts[0]))
	if convErr != nil {
		return RedirectSession{}, &ProviderError{Provider: MellatProviderName, Op: "pay", Message: "unparseable gateway response", Err: convErr}
	}
	if code != MellatCodeSuccess || len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		c.logger(ctx, "payments.mellat.pay.rejected", map[string]any{
			"requestId": req.RequestID,
			"orderId":   req.OrderID,
			"code":      code,
		})
		return RedirectSession{}, &ProviderError{Provider: MellatProviderName, Op: "pay", Code: strconv.Itoa(code), Message: MellatMessage(code)}
	}

	refID := strings.TrimSpace(parts[1])
	c.logger(ctx, "payments.mellat.pay.accepted", map[string]any{
		"requestId": req.RequestID,
		"orderId":   req.OrderID,
		"refId":     refID,
	})

	return RedirectSession{
		Provider:    MellatProviderName,
		RefID:       refID,
		RedirectURL: c.startPayURL + "?RefId=" + url.QueryEscape(refID),
		RequestID:   req.RequestID,
	}, nil
}

// Verify confirms the sale. Result 43 (already verified) counts as success.
func (c *MellatClient) Verify(ctx context.Context, req SettlementRequest) error {
	return c.saleCall(ctx, "bpVerifyRequest", "verify", req, MellatCodeAlreadyVerified)
}

// Settle requests deposit of a verified sale. Result 45 (already settled) counts as success.
func (c *MellatClient) Settle(ctx context.Context, req SettlementRequest) error {
	return c.saleCall(ctx, "bpSettleRequest", "settle", req, MellatCodeAlreadySettled)
}

// Revert reverses a verified but unsettled sale.
func (c *MellatClient) Revert(ctx context.Context, req SettlementRequest) error {
	return c.saleCall(ctx, "bpReversalRequest", "revert", req, MellatCodeReversed)
}

func (c *MellatClient) saleCall(ctx context.Context, method, op string, req SettlementRequest, idempotentCode int) error {
	if strings.TrimSpace(req.SaleOrderID) == "" || strings.TrimSpace(req.SaleReferenceID) == "" {
		return &ProviderError{Provider: MellatProviderName, Op: op, Message: "sale order id and sale reference id are required"}
	}
	payload := bpSaleRequest{
		XMLName:         xml.Name{Space: mellatNamespace, Local: method},
		TerminalID:      c.terminalID,
		UserName:        c.username,
		UserPassword:    c.password,
		OrderID:         req.SaleOrderID,
		SaleOrderID:     req.SaleOrderID,
		SaleReferenceID: req.SaleReferenceID,
	}
	ret, err := c.call(ctx, method, req.RequestID, payload)
	if err != nil {
		return err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(ret))
	if convErr != nil {
		return &ProviderError{Provider: MellatProviderName, Op: op, Message: "unparseable gateway response", Err: convErr}
	}
	if code == MellatCodeSuccess || code == idempotentCode {
		c.logger(ctx, "payments.mellat."+op+".succeeded", map[string]any{
			"requestId":       req.RequestID,
			"saleOrderId":     req.SaleOrderID,
			"saleReferenceId": req.SaleReferenceID,
			"code":            code,
		})
		return nil
	}
	return &ProviderError{Provider: MellatProviderName, Op: op, Code: strconv.Itoa(code), Message: MellatMessage(code)}
}

func (c *MellatClient) call(ctx context.Context, method, requestID string, payload any) (string, error) {
	ctx, span := tracer.Start(ctx, "mellat."+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("payments.provider", MellatProviderName),
		attribute.String("payments.request_id", requestID),
	)

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	envelope := soapEnvelope{SoapNS: soapNamespace, Body: soapBody{Content: payload}}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(envelope); err != nil {
		return fail(fmt.Errorf("mellat: encode %s: %w", method, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return fail(fmt.Errorf("mellat: build %s request: %w", method, err))
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", `""`)

	start := c.clock()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger(ctx, "payments.mellat.transport_error", map[string]any{
			"method":    method,
			"requestId": requestID,
			"error":     err.Error(),
		})
		return fail(&ProviderError{Provider: MellatProviderName, Op: method, Message: "gateway unreachable", Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(&ProviderError{Provider: MellatProviderName, Op: method, Message: "read response", Err: err})
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger(ctx, "payments.mellat.response", map[string]any{
		"method":     method,
		"requestId":  requestID,
		"status":     resp.StatusCode,
		"durationMs": c.clock().Sub(start).Milliseconds(),
	})

	var parsed soapResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return fail(&ProviderError{Provider: MellatProviderName, Op: method, Code: strconv.Itoa(resp.StatusCode), Message: "invalid SOAP response", Err: err})
	}
	if parsed.Body.Fault != nil {
		return fail(&ProviderError{Provider: MellatProviderName, Op: method, Code: parsed.Body.Fault.Code, Message: parsed.Body.Fault.String})
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fail(&ProviderError{Provider: MellatProviderName, Op: method, Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)})
	}
	ret := strings.TrimSpace(parsed.Body.Result.Return)
	if ret == "" {
		return fail(&ProviderError{Provider: MellatProviderName, Op: method, Message: "empty gateway response"})
	}
	return ret, nil
}
