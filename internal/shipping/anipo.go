package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopcore/api/internal/domain"
)

// DefaultAnipoBaseURL is the production Anipo panel.
const DefaultAnipoBaseURL = "https://panel.anipo.ir"

const (
	barcodePricePath = "/backend/api/barcodePrice/"
	getBarcodePath   = "/backend/api/getBarcode/"
	remainingPath    = "/backend/api/remaining/"
)

var (
	// ErrCarrierRejected is returned when the carrier answered with status=false.
	ErrCarrierRejected = errors.New("shipping: carrier rejected request")
	// ErrCarrierUnavailable wraps transport failures.
	ErrCarrierUnavailable = errors.New("shipping: carrier unavailable")
	// ErrMissingKeyword indicates the client has no API keyword configured.
	ErrMissingKeyword = errors.New("shipping: missing carrier keyword")
)

var tracer = otel.Tracer("github.com/shopcore/api/internal/shipping")

// Logger records carrier calls.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Quote describes a parcel to price. Amount is the declared value in display units.
type Quote struct {
	CityCode int
	Weight   int
	Amount   int64
}

// LabelRequest carries the recipient and parcel for label issuance. Amount is in display units.
type LabelRequest struct {
	OrderID      int64
	ProvinceCode string
	ProvinceName string
	CityName     string
	Name         string
	PostalCode   string
	NationalCode string
	Phone        string
	Address      string
	Weight       int
	BoxSizeID    int
	Amount       int64
}

// Label is the issued shipment label. PostPrice and Tax are in display units.
type Label struct {
	Barcode   string
	PostPrice int64
	Tax       int64
	BoxSizeID int
}

// AnipoConfig configures the Anipo client.
type AnipoConfig struct {
	BaseURL    string
	Keyword    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     Logger
}

// AnipoClient calls the Anipo post-service panel API.
type AnipoClient struct {
	baseURL string
	keyword string
	http    *http.Client
	logger  Logger
}

// NewAnipoClient constructs an Anipo client.
func NewAnipoClient(cfg AnipoConfig) (*AnipoClient, error) {
	keyword := strings.TrimSpace(cfg.Keyword)
	if keyword == "" {
		return nil, ErrMissingKeyword
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultAnipoBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &AnipoClient{baseURL: base, keyword: keyword, http: httpClient, logger: logger}, nil
}

type barcodePriceRequest struct {
	Keyword   string `json:"keyword"`
	OrderData struct {
		City          int   `json:"city"`
		Weight        int   `json:"weight"`
		Sum           int64 `json:"sum"`
		IsNonStandard int   `json:"isnonstandard"`
		SMSService    int   `json:"smsservice"`
		PayTypeID     int   `json:"PayTypeID"`
	} `json:"orderData"`
}

type getBarcodeRequest struct {
	Keyword    string `json:"keyword"`
	OrdersData struct {
		OrderID       int64  `json:"orderId"`
		Date          string `json:"date"`
		Time          string `json:"time"`
		ProvinceCode  string `json:"province_code"`
		ProvinceName  string `json:"province_name"`
		CityName      string `json:"city_name"`
		Name          string `json:"name"`
		PostCode      string `json:"postcode"`
		NationalCode  string `json:"national_code"`
		CallNumber    string `json:"call_number"`
		Address       string `json:"address"`
		Weight        int    `json:"weight"`
		BoxSizeID     int    `json:"boxSizeId,omitempty"`
		IsNonStandard int    `json:"isnonstandard"`
		Sum           int64  `json:"sum"`
	} `json:"ordersData"`
}

type anipoEnvelope struct {
	Status    bool            `json:"status"`
	Data      json.RawMessage `json:"data"`
	Remaining *int64          `json:"remaining"`
	Message   string          `json:"message"`
}

// EstimatePrice quotes the postage for a parcel and returns it in display units.
func (c *AnipoClient) EstimatePrice(ctx context.Context, q Quote) (int64, error) {
	var body barcodePriceRequest
	body.Keyword = c.keyword
	body.OrderData.City = q.CityCode
	body.OrderData.Weight = max(1, q.Weight)
	body.OrderData.Sum = max(0, domain.ToProviderUnit(q.Amount))

	var price float64
	if err := c.post(ctx, "barcodePrice", barcodePricePath, body, func(env anipoEnvelope) error {
		return json.Unmarshal(env.Data, &price)
	}); err != nil {
		return 0, err
	}
	return domain.FromProviderUnit(int64(price + 0.5)), nil
}

// IssueLabel registers the parcel and returns the carrier barcode.
func (c *AnipoClient) IssueLabel(ctx context.Context, req LabelRequest) (Label, error) {
	var body getBarcodeRequest
	body.Keyword = c.keyword
	d := &body.OrdersData
	d.OrderID = req.OrderID
	d.ProvinceCode = req.ProvinceCode
	d.ProvinceName = req.ProvinceName
	d.CityName = req.CityName
	d.Name = req.Name
	d.PostCode = req.PostalCode
	d.NationalCode = req.NationalCode
	d.CallNumber = LocalPhone(req.Phone)
	d.Address = req.Address
	d.Weight = max(1, req.Weight)
	d.BoxSizeID = req.BoxSizeID
	d.Sum = max(0, domain.ToProviderUnit(req.Amount))

	var payload struct {
		PostPrice float64 `json:"postprice"`
		Tax       float64 `json:"tax"`
		Barcode   string  `json:"barcode"`
		BoxSizeID int     `json:"boxSizeId"`
	}
	if err := c.post(ctx, "getBarcode", getBarcodePath, body, func(env anipoEnvelope) error {
		return json.Unmarshal(env.Data, &payload)
	}); err != nil {
		return Label{}, err
	}
	if payload.Barcode == "" {
		return Label{}, fmt.Errorf("%w: empty barcode", ErrCarrierRejected)
	}
	return Label{
		Barcode:   payload.Barcode,
		PostPrice: domain.FromProviderUnit(int64(payload.PostPrice + 0.5)),
		Tax:       domain.FromProviderUnit(int64(payload.Tax + 0.5)),
		BoxSizeID: payload.BoxSizeID,
	}, nil
}

// Remaining returns the prepaid label balance on the carrier account.
func (c *AnipoClient) Remaining(ctx context.Context) (int64, error) {
	var remaining int64
	err := c.post(ctx, "remaining", remainingPath, map[string]string{"keyword": c.keyword}, func(env anipoEnvelope) error {
		if env.Remaining == nil {
			return errors.New("missing remaining field")
		}
		remaining = *env.Remaining
		return nil
	})
	return remaining, err
}

func (c *AnipoClient) post(ctx context.Context, op, path string, payload any, decode func(anipoEnvelope) error) error {
	ctx, span := tracer.Start(ctx, "anipo."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("shipping.carrier", "anipo"))

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger(ctx, "shipping.anipo."+op+".failed", map[string]any{"error": err.Error()})
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("shipping: encode %s: %w", op, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fail(fmt.Errorf("shipping: build %s request: %w", op, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrCarrierUnavailable, op, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(fmt.Errorf("%w: read %s: %v", ErrCarrierUnavailable, op, err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var env anipoEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return fail(fmt.Errorf("%w: %s: status %d", ErrCarrierUnavailable, op, resp.StatusCode))
		}
		return fail(fmt.Errorf("%w: %s: invalid response: %v", ErrCarrierRejected, op, err))
	}
	if !env.Status {
		msg := env.Message
		if msg == "" {
			msg = "anipo_error"
		}
		return fail(fmt.Errorf("%w: %s: %s", ErrCarrierRejected, op, msg))
	}
	if err := decode(env); err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrCarrierRejected, op, err))
	}
	c.logger(ctx, "shipping.anipo."+op+".succeeded", map[string]any{"status": resp.StatusCode})
	return nil
}

// LocalPhone converts a phone number into the 0-prefixed local format, at most 12 characters.
func LocalPhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n := b.String()
	n = strings.TrimPrefix(n, "98")
	if n != "" && !strings.HasPrefix(n, "0") {
		n = "0" + n
	}
	if len(n) > 12 {
		n = n[:12]
	}
	return n
}
