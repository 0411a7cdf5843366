package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// SnappPayProviderName is the registration key of the SnappPay installment gateway.
	SnappPayProviderName = "snapppay"

	// SnappPayPaymentMethod is the only payment method type requested.
	SnappPayPaymentMethod = "INSTALLMENT"
	// SnappPayCommissionType is sent for every cart item.
	SnappPayCommissionType = 100

	snappTokenPath       = "/api/online/v1/oauth/token"
	snappEligiblePath    = "/api/online/offer/v1/eligible"
	snappPaymentTokenURL = "/api/online/payment/v1/token"
	snappVerifyPath      = "/api/online/payment/v1/verify"
	snappSettlePath      = "/api/online/payment/v1/settle"
	snappRevertPath      = "/api/online/payment/v1/revert"
	snappCancelPath      = "/api/online/payment/v1/cancel"
	snappStatusPath      = "/api/online/payment/v1/status"
	snappUpdatePath      = "/api/online/payment/v1/updateOrder"
	snappCancelOrderPath = "/api/online/payment/v1/cancelOrder"

	snappTokenSafetyMargin = 30 * time.Second
	snappTokenMinRemaining = 10 * time.Second
)

var (
	// ErrInvalidMobile is returned when a phone number cannot be normalised to +98XXXXXXXXXX.
	ErrInvalidMobile = errors.New("payments: invalid mobile format")

	mobilePattern         = regexp.MustCompile(`^\+98\d{10}$`)
	alreadySettledPattern = regexp.MustCompile(`(?i)already\s+settled`)
)

// NormalizeMobile converts local or international Iranian phone numbers into +98XXXXXXXXXX.
func NormalizeMobile(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= '۰' && r <= '۹':
			digits.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩':
			digits.WriteRune('0' + (r - '٠'))
		}
	}
	d := digits.String()
	if strings.HasPrefix(d, "0098") {
		d = d[2:]
	}
	if strings.HasPrefix(d, "0") {
		d = "98" + d[1:]
	}
	if !strings.HasPrefix(d, "98") && len(d) == 10 {
		d = "98" + d
	}
	mobile := "+" + d
	if !mobilePattern.MatchString(mobile) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMobile, raw)
	}
	return mobile, nil
}

// IsAlreadySettled reports whether err is SnappPay's answer to a duplicate settle.
func IsAlreadySettled(err error) bool {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Code == "409" || alreadySettledPattern.MatchString(perr.Message)
}

// SnappPayCartItem is a single line within a SnappPay cart. Amounts are in provider units.
type SnappPayCartItem struct {
	Amount         int64  `json:"amount"`
	Category       string `json:"category"`
	Count          int    `json:"count"`
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	CommissionType int    `json:"commissionType"`
}

// SnappPayCart groups cart items together with shipping and tax totals.
type SnappPayCart struct {
	CartID             int64              `json:"cartId"`
	CartItems          []SnappPayCartItem `json:"cartItems"`
	IsShipmentIncluded bool               `json:"isShipmentIncluded"`
	IsTaxIncluded      bool               `json:"isTaxIncluded"`
	ShippingAmount     int64              `json:"shippingAmount"`
	TaxAmount          int64              `json:"taxAmount"`
	TotalAmount        int64              `json:"totalAmount"`
}

// SnappPayTokenRequest opens an installment payment.
type SnappPayTokenRequest struct {
	Amount               int64          `json:"amount"`
	DiscountAmount       int64          `json:"discountAmount"`
	ExternalSourceAmount int64          `json:"externalSourceAmount"`
	Mobile               string         `json:"mobile"`
	PaymentMethodTypeDto string         `json:"paymentMethodTypeDto"`
	ReturnURL            string         `json:"returnURL"`
	TransactionID        string         `json:"transactionId"`
	CartList             []SnappPayCart `json:"cartList"`
}

// SnappPayUpdateRequest lowers the financed amount after an admin adjustment.
type SnappPayUpdateRequest struct {
	TransactionID        string         `json:"transactionId"`
	Amount               int64          `json:"amount"`
	DiscountAmount       int64          `json:"discountAmount"`
	ExternalSourceAmount int64          `json:"externalSourceAmount"`
	CartList             []SnappPayCart `json:"cartList"`
}

// SnappPayToken is the result of a successful token request.
type SnappPayToken struct {
	PaymentToken   string `json:"paymentToken"`
	PaymentPageURL string `json:"paymentPageUrl"`
}

// SnappPayEligibility reports whether an amount may be financed.
type SnappPayEligibility struct {
	Eligible     bool   `json:"eligible"`
	TitleMessage string `json:"title_message"`
	Description  string `json:"description"`
}

// SnappPayStatus is returned by verify, settle, revert, cancel and status calls.
type SnappPayStatus struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

type snappEnvelope struct {
	Successful bool            `json:"successful"`
	Response   json.RawMessage `json:"response"`
	ErrorData  *struct {
		ErrorCode int    `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errorData"`
}

type snappAccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// SnappPayConfig configures the SnappPay client.
type SnappPayConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Logger       ProviderLogger
	Clock        func() time.Time
}

// SnappPayClient calls the SnappPay online merchant REST API.
type SnappPayClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	username     string
	password     string
	http         *http.Client
	logger       ProviderLogger
	clock        func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewSnappPayClient validates cfg and constructs a client.
func NewSnappPayClient(cfg SnappPayConfig) (*SnappPayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("snapppay: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("snapppay: invalid base url: %w", err)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("snapppay: client credentials are required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 25 * time.Second
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
	return &SnappPayClient{
		baseURL:      base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		username:     cfg.Username,
		password:     cfg.Password,
		http:         httpClient,
		logger:       logger,
		clock:        clock,
	}, nil
}

// Eligible checks whether amount (provider units) can be financed.
func (c *SnappPayClient) Eligible(ctx context.Context, amount int64) (SnappPayEligibility, error) {
	var out SnappPayEligibility
	query := url.Values{"amount": []string{strconv.FormatInt(amount, 10)}}
	err := c.do(ctx, "eligible", http.MethodGet, snappEligiblePath+"?"+query.Encode(), nil, &out)
	return out, err
}

// RequestToken requests a payment token and payment page URL.
func (c *SnappPayClient) RequestToken(ctx context.Context, req SnappPayTokenRequest) (SnappPayToken, error) {
	if req.PaymentMethodTypeDto == "" {
		req.PaymentMethodTypeDto = SnappPayPaymentMethod
	}
	mobile, err := NormalizeMobile(req.Mobile)
	if err != nil {
		return SnappPayToken{}, err
	}
	req.Mobile = mobile

	var out SnappPayToken
	if err := c.do(ctx, "token", http.MethodPost, snappPaymentTokenURL, req, &out); err != nil {
		return SnappPayToken{}, err
	}
	if out.PaymentToken == "" || out.PaymentPageURL == "" {
		return SnappPayToken{}, &ProviderError{Provider: SnappPayProviderName, Op: "token", Message: "response is missing payment token or page url"}
	}
	return out, nil
}

// Verify confirms the customer's purchase.
func (c *SnappPayClient) Verify(ctx context.Context, paymentToken string) (SnappPayStatus, error) {
	return c.tokenCall(ctx, "verify", snappVerifyPath, paymentToken)
}

// Settle finalises a verified purchase.
func (c *SnappPayClient) Settle(ctx context.Context, paymentToken string) (SnappPayStatus, error) {
	return c.tokenCall(ctx, "settle", snappSettlePath, paymentToken)
}

// Revert rolls back an unverified or failed purchase.
func (c *SnappPayClient) Revert(ctx context.Context, paymentToken string) (SnappPayStatus, error) {
	return c.tokenCall(ctx, "revert", snappRevertPath, paymentToken)
}

// Cancel cancels a verified purchase before settlement.
func (c *SnappPayClient) Cancel(ctx context.Context, paymentToken string) (SnappPayStatus, error) {
	return c.tokenCall(ctx, "cancel", snappCancelPath, paymentToken)
}

// Status returns the provider state of a purchase.
func (c *SnappPayClient) Status(ctx context.Context, paymentToken string) (SnappPayStatus, error) {
	if strings.TrimSpace(paymentToken) == "" {
		return SnappPayStatus{}, &ProviderError{Provider: SnappPayProviderName, Op: "status", Message: "payment token is required"}
	}
	var out SnappPayStatus
	query := url.Values{"paymentToken": []string{paymentToken}}
	err := c.do(ctx, "status", http.MethodGet, snappStatusPath+"?"+query.Encode(), nil, &out)
	return out, err
}

// Update lowers the financed amount of a settled order.
func (c *SnappPayClient) Update(ctx context.Context, req SnappPayUpdateRequest) (SnappPayStatus, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return SnappPayStatus{}, &ProviderError{Provider: SnappPayProviderName, Op: "update", Message: "transaction id is required"}
	}
	var out SnappPayStatus
	err := c.do(ctx, "update", http.MethodPost, snappUpdatePath, req, &out)
	return out, err
}

// CancelOrder fully refunds a settled order.
func (c *SnappPayClient) CancelOrder(ctx context.Context, transactionID string) (SnappPayStatus, error) {
	if strings.TrimSpace(transactionID) == "" {
		return SnappPayStatus{}, &ProviderError{Provider: SnappPayProviderName, Op: "cancelOrder", Message: "transaction id is required"}
	}
	var out SnappPayStatus
	err := c.do(ctx, "cancelOrder", http.MethodPost, snappCancelOrderPath, map[string]string{"transactionId": transactionID}, &out)
	return out, err
}

func (c *SnappPayClient) tokenCall(ctx context.Context, op, path, paymentToken string) (SnappPayStatus, error) {
	if strings.TrimSpace(paymentToken) == "" {
		return SnappPayStatus{}, &ProviderError{Provider: SnappPayProviderName, Op: op, Message: "payment token is required"}
	}
	var out SnappPayStatus
	err := c.do(ctx, op, http.MethodPost, path, map[string]string{"paymentToken": paymentToken}, &out)
	return out, err
}

func (c *SnappPayClient) do(ctx context.Context, op, method, path string, payload any, out any) error {
	ctx, span := tracer.Start(ctx, "snapppay."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("payments.provider", SnappPayProviderName))

	err := c.exchange(ctx, op, method, path, payload, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger(ctx, "payments.snapppay."+op+".failed", map[string]any{
			"error": err.Error(),
			"code":  ErrorCode(err),
		})
		return err
	}
	c.logger(ctx, "payments.snapppay."+op+".succeeded", nil)
	return nil
}

func (c *SnappPayClient) exchange(ctx context.Context, op, method, path string, payload any, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("snapppay: encode %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("snapppay: build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: SnappPayProviderName, Op: op, Code: "500", Message: "gateway unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: SnappPayProviderName, Op: op, Code: strconv.Itoa(resp.StatusCode), Message: "read response", Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}

	var env snappEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ProviderError{Provider: SnappPayProviderName, Op: op, Code: strconv.Itoa(resp.StatusCode), Message: "invalid response body", Err: err}
	}
	if !env.Successful {
		perr := &ProviderError{Provider: SnappPayProviderName, Op: op, Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		if env.ErrorData != nil {
			perr.Code = strconv.Itoa(env.ErrorData.ErrorCode)
			perr.Message = env.ErrorData.Message
		}
		return perr
	}
	if out != nil && len(env.Response) > 0 && string(env.Response) != "null" {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return &ProviderError{Provider: SnappPayProviderName, Op: op, Message: "invalid response payload", Err: err}
		}
	}
	return nil
}

// token returns the cached OAuth access token, refreshing it when less than ten seconds remain.
func (c *SnappPayClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if c.accessToken != "" && c.expiresAt.After(now.Add(snappTokenMinRemaining)) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("scope", "online-merchant")
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+snappTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("snapppay: build token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: SnappPayProviderName, Op: "oauth", Code: "500", Message: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &ProviderError{Provider: SnappPayProviderName, Op: "oauth", Code: strconv.Itoa(resp.StatusCode), Message: "token request rejected"}
	}

	var payload snappAccessToken
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &ProviderError{Provider: SnappPayProviderName, Op: "oauth", Message: "invalid token response", Err: err}
	}
	if payload.AccessToken == "" {
		return "", &ProviderError{Provider: SnappPayProviderName, Op: "oauth", Message: "empty access token"}
	}

	c.accessToken = payload.AccessToken
	c.expiresAt = c.clock().Add(time.Duration(payload.ExpiresIn)*time.Second - snappTokenSafetyMargin)
	return c.accessToken, nil
}

func (c *SnappPayClient) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
