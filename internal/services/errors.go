package services

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/shopcore/api/internal/repositories"
)

// ErrorKind tags a checkout or settlement failure.
type ErrorKind string

const (
	KindInvalidInput            ErrorKind = "INVALID_INPUT"
	KindCartEmpty               ErrorKind = "CART_EMPTY"
	KindCartChanged             ErrorKind = "CART_CHANGED"
	KindInvalidItem             ErrorKind = "INVALID_ITEM"
	KindMissingProductTitle     ErrorKind = "MISSING_PRODUCT_TITLE"
	KindMissingProductSKU       ErrorKind = "MISSING_PRODUCT_SKU"
	KindInvalidPrice            ErrorKind = "INVALID_PRICE"
	KindShippingMethodRequired  ErrorKind = "SHIPPING_METHOD_REQUIRED"
	KindShippingMethodNotFound  ErrorKind = "SHIPPING_METHOD_NOT_FOUND"
	KindOrderItemCreationFailed ErrorKind = "ORDER_ITEM_CREATION_FAILED"
	KindOrderCreationFailed     ErrorKind = "ORDER_CREATION_FAILED"
	KindCouponInvalid           ErrorKind = "COUPON_INVALID"
	KindCouponUsageLimitReached ErrorKind = "COUPON_USAGE_LIMIT_REACHED"
	KindNoEligibleItems         ErrorKind = "NO_ELIGIBLE_ITEMS"
	KindBelowMinCartTotal       ErrorKind = "BELOW_MIN_CART_TOTAL"
	KindAboveMaxCartTotal       ErrorKind = "ABOVE_MAX_CART_TOTAL"
	KindShippingRequiredCoupon  ErrorKind = "SHIPPING_REQUIRED_FOR_COUPON"
	KindInvalidDeliveryMethod   ErrorKind = "INVALID_DELIVERY_METHOD"
	KindInvalidAmount           ErrorKind = "INVALID_AMOUNT"
	KindInvalidTaxPercent       ErrorKind = "INVALID_TAX_PERCENT"
	KindContractCreationFailed  ErrorKind = "CONTRACT_CREATION_FAILED"
	KindInsufficientWallet      ErrorKind = "insufficient_wallet"
	KindInvalidMobileFormat     ErrorKind = "INVALID_MOBILE_FORMAT"
	KindInstallmentIneligible   ErrorKind = "INSTALLMENT_INELIGIBLE"
	KindGatewayError            ErrorKind = "GATEWAY_ERROR"
	KindGatewayUnavailable      ErrorKind = "GATEWAY_UNAVAILABLE"
	KindOrderNotFound           ErrorKind = "ORDER_NOT_FOUND"
	KindTransactionNotFound     ErrorKind = "TRANSACTION_NOT_FOUND"
	KindPaymentTokenMissing     ErrorKind = "PAYMENT_TOKEN_MISSING"
	KindInvalidStatus           ErrorKind = "INVALID_STATUS"
	KindBarcodeExists           ErrorKind = "BARCODE_EXISTS"
	KindInvalidCount            ErrorKind = "INVALID_COUNT"
	KindNoChanges               ErrorKind = "NO_CHANGES"
	KindGatewaySyncFailed       ErrorKind = "GATEWAY_SYNC_FAILED"
	KindConcurrentUpdate        ErrorKind = "CONCURRENT_UPDATE"
	KindAddressIncomplete       ErrorKind = "ADDRESS_INCOMPLETE"
	KindCarrierError            ErrorKind = "CARRIER_ERROR"
	KindUnavailable             ErrorKind = "SERVICE_UNAVAILABLE"
	KindInternal                ErrorKind = "INTERNAL_ERROR"
)

// ErrorCategory groups error kinds for transport mapping.
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryBusinessRule   ErrorCategory = "business_rule"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryProvider       ErrorCategory = "external_provider"
	CategoryInfrastructure ErrorCategory = "infrastructure"
)

var (
	// ErrValidation matches every validation failure.
	ErrValidation = errors.New("checkout: validation failed")
	// ErrBusinessRule matches failures caused by store rules (coupons, wallet, status).
	ErrBusinessRule = errors.New("checkout: business rule violated")
	// ErrNotFound matches missing orders and ledger rows.
	ErrNotFound = errors.New("checkout: not found")
	// ErrProvider matches payment gateway and carrier failures.
	ErrProvider = errors.New("checkout: external provider failed")
	// ErrInfrastructure matches persistence and other internal failures.
	ErrInfrastructure = errors.New("checkout: infrastructure failure")
)

var kindCategories = map[ErrorKind]ErrorCategory{
	KindInvalidInput:            CategoryValidation,
	KindCartEmpty:               CategoryValidation,
	KindCartChanged:             CategoryBusinessRule,
	KindInvalidItem:             CategoryValidation,
	KindMissingProductTitle:     CategoryValidation,
	KindMissingProductSKU:       CategoryValidation,
	KindInvalidPrice:            CategoryValidation,
	KindShippingMethodRequired:  CategoryValidation,
	KindShippingMethodNotFound:  CategoryValidation,
	KindOrderItemCreationFailed: CategoryInfrastructure,
	KindOrderCreationFailed:     CategoryInfrastructure,
	KindCouponInvalid:           CategoryBusinessRule,
	KindCouponUsageLimitReached: CategoryBusinessRule,
	KindNoEligibleItems:         CategoryBusinessRule,
	KindBelowMinCartTotal:       CategoryBusinessRule,
	KindAboveMaxCartTotal:       CategoryBusinessRule,
	KindShippingRequiredCoupon:  CategoryBusinessRule,
	KindInvalidDeliveryMethod:   CategoryBusinessRule,
	KindInvalidAmount:           CategoryValidation,
	KindInvalidTaxPercent:       CategoryValidation,
	KindContractCreationFailed:  CategoryInfrastructure,
	KindInsufficientWallet:      CategoryBusinessRule,
	KindInvalidMobileFormat:     CategoryValidation,
	KindInstallmentIneligible:   CategoryBusinessRule,
	KindGatewayError:            CategoryProvider,
	KindGatewayUnavailable:      CategoryProvider,
	KindOrderNotFound:           CategoryNotFound,
	KindTransactionNotFound:     CategoryNotFound,
	KindPaymentTokenMissing:     CategoryValidation,
	KindInvalidStatus:           CategoryBusinessRule,
	KindBarcodeExists:           CategoryBusinessRule,
	KindInvalidCount:            CategoryValidation,
	KindNoChanges:               CategoryValidation,
	KindGatewaySyncFailed:       CategoryProvider,
	KindConcurrentUpdate:        CategoryBusinessRule,
	KindAddressIncomplete:       CategoryValidation,
	KindCarrierError:            CategoryProvider,
	KindUnavailable:             CategoryInfrastructure,
	KindInternal:                CategoryInfrastructure,
}

var categorySentinels = map[ErrorCategory]error{
	CategoryValidation:     ErrValidation,
	CategoryBusinessRule:   ErrBusinessRule,
	CategoryNotFound:       ErrNotFound,
	CategoryProvider:       ErrProvider,
	CategoryInfrastructure: ErrInfrastructure,
}

// CheckoutError is the tagged failure returned by checkout, settlement and adjustment operations.
type CheckoutError struct {
	Kind      ErrorKind
	Detail    string
	RequestID string
	Data      map[string]any
	Err       error
}

func newCheckoutError(kind ErrorKind, detail string) *CheckoutError {
	return &CheckoutError{Kind: kind, Detail: detail}
}

func wrapCheckoutError(kind ErrorKind, detail string, err error) *CheckoutError {
	return &CheckoutError{Kind: kind, Detail: detail, Err: err}
}

func (e *CheckoutError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the category sentinel and the underlying cause to errors.Is/As.
func (e *CheckoutError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if sentinel, ok := categorySentinels[e.Category()]; ok {
		out = append(out, sentinel)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Category returns the error category of the kind.
func (e *CheckoutError) Category() ErrorCategory {
	if e == nil {
		return CategoryInfrastructure
	}
	if cat, ok := kindCategories[e.Kind]; ok {
		return cat
	}
	return CategoryInfrastructure
}

// Message renders the localized, user-facing message for the error kind.
func (e *CheckoutError) Message(tag language.Tag) string {
	if e == nil {
		return ""
	}
	return LocalizedMessage(tag, e.Kind)
}

func (e *CheckoutError) withRequestID(id string) *CheckoutError {
	e.RequestID = id
	return e
}

func (e *CheckoutError) with(key string, value any) *CheckoutError {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// AsCheckoutError extracts a CheckoutError from err, classifying foreign errors as infrastructure.
func AsCheckoutError(err error) *CheckoutError {
	if err == nil {
		return nil
	}
	var cerr *CheckoutError
	if errors.As(err, &cerr) {
		return cerr
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return wrapCheckoutError(KindOrderNotFound, "", err)
		case repoErr.IsUnavailable():
			return wrapCheckoutError(KindUnavailable, "", err)
		}
	}
	return wrapCheckoutError(KindInternal, "", err)
}

// ErrorKindOf returns the kind carried by err. Foreign errors report KindInternal and a nil err
// reports the empty kind.
func ErrorKindOf(err error) ErrorKind {
	if cerr := AsCheckoutError(err); cerr != nil {
		return cerr.Kind
	}
	return ""
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

var (
	// SupportedLanguages lists the locales with a message catalog.
	SupportedLanguages = []language.Tag{language.Persian, language.English}

	messageCatalog = buildMessageCatalog()
)

var messagesFa = map[ErrorKind]string{
	KindInvalidInput:            "درخواست نامعتبر است",
	KindCartEmpty:               "سبد خرید خالی است",
	KindCartChanged:             "موجودی برخی کالاهای سبد تغییر کرده است، لطفا سبد را بررسی کنید",
	KindInvalidItem:             "آیتم نامعتبر در سبد خرید",
	KindMissingProductTitle:     "عنوان محصول یافت نشد",
	KindMissingProductSKU:       "کد محصول یافت نشد",
	KindInvalidPrice:            "قیمت محصول نامعتبر است",
	KindShippingMethodRequired:  "روش ارسال انتخاب نشده است",
	KindShippingMethodNotFound:  "روش ارسال یافت نشد",
	KindOrderItemCreationFailed: "ثبت اقلام سفارش با خطا مواجه شد",
	KindOrderCreationFailed:     "ثبت سفارش با خطا مواجه شد",
	KindCouponInvalid:           "کد تخفیف نامعتبر یا منقضی شده است",
	KindCouponUsageLimitReached: "ظرفیت استفاده از این کد تخفیف به پایان رسیده است",
	KindNoEligibleItems:         "هیچ کالای مشمول این کد تخفیف در سبد نیست",
	KindBelowMinCartTotal:       "مبلغ سبد خرید کمتر از حداقل لازم برای این کد تخفیف است",
	KindAboveMaxCartTotal:       "مبلغ سبد خرید بیشتر از حداکثر مجاز برای این کد تخفیف است",
	KindShippingRequiredCoupon:  "برای استفاده از این کد تخفیف باید روش ارسال انتخاب شود",
	KindInvalidDeliveryMethod:   "این کد تخفیف برای روش ارسال انتخابی معتبر نیست",
	KindInvalidAmount:           "مبلغ قرارداد نامعتبر است",
	KindInvalidTaxPercent:       "درصد مالیات نامعتبر است",
	KindContractCreationFailed:  "ایجاد قرارداد با خطا مواجه شد",
	KindInsufficientWallet:      "موجودی کیف پول کافی نیست",
	KindInvalidMobileFormat:     "شماره موبایل برای پرداخت اقساطی نامعتبر است",
	KindInstallmentIneligible:   "پرداخت اقساطی برای این مبلغ امکان‌پذیر نیست",
	KindGatewayError:            "خطا در درگاه پرداخت",
	KindGatewayUnavailable:      "درگاه پرداخت در دسترس نیست",
	KindOrderNotFound:           "سفارش یافت نشد",
	KindTransactionNotFound:     "تراکنش یافت نشد",
	KindPaymentTokenMissing:     "توکن پرداخت یافت نشد",
	KindInvalidStatus:           "وضعیت سفارش اجازه این عملیات را نمی‌دهد",
	KindBarcodeExists:           "برای این سفارش بارکد پستی صادر شده است",
	KindInvalidCount:            "تعداد جدید نامعتبر است",
	KindNoChanges:               "تغییری اعمال نشد",
	KindGatewaySyncFailed:       "همگام‌سازی با درگاه پرداخت ناموفق بود",
	KindConcurrentUpdate:        "سفارش همزمان تغییر کرد، لطفا دوباره تلاش کنید",
	KindAddressIncomplete:       "آدرس تحویل ناقص است",
	KindCarrierError:            "خطا در سرویس ارسال",
	KindUnavailable:             "سرویس موقتا در دسترس نیست",
	KindInternal:                "خطای داخلی سرور",
}

var messagesEn = map[ErrorKind]string{
	KindInvalidInput:            "Invalid request",
	KindCartEmpty:               "Cart is empty",
	KindCartChanged:             "Some cart items changed availability, please review your cart",
	KindInvalidItem:             "Invalid cart item",
	KindMissingProductTitle:     "Product title is missing",
	KindMissingProductSKU:       "Product SKU is missing",
	KindInvalidPrice:            "Product price is invalid",
	KindShippingMethodRequired:  "Shipping method is required",
	KindShippingMethodNotFound:  "Shipping method not found",
	KindOrderItemCreationFailed: "Failed to create order items",
	KindOrderCreationFailed:     "Failed to create order",
	KindCouponInvalid:           "Coupon is invalid or expired",
	KindCouponUsageLimitReached: "Coupon usage limit reached",
	KindNoEligibleItems:         "No cart items are eligible for this coupon",
	KindBelowMinCartTotal:       "Cart total is below the coupon minimum",
	KindAboveMaxCartTotal:       "Cart total is above the coupon maximum",
	KindShippingRequiredCoupon:  "A shipping method is required for this coupon",
	KindInvalidDeliveryMethod:   "Coupon is not valid for the selected shipping method",
	KindInvalidAmount:           "Contract amount is invalid",
	KindInvalidTaxPercent:       "Tax percent is invalid",
	KindContractCreationFailed:  "Failed to create contract",
	KindInsufficientWallet:      "Insufficient wallet balance",
	KindInvalidMobileFormat:     "Phone number is invalid for installment payment (must be +98XXXXXXXXXX)",
	KindInstallmentIneligible:   "Installment payment is not available for this amount",
	KindGatewayError:            "Payment gateway error",
	KindGatewayUnavailable:      "Payment gateway unavailable",
	KindOrderNotFound:           "Order not found",
	KindTransactionNotFound:     "Transaction not found",
	KindPaymentTokenMissing:     "Payment token is missing",
	KindInvalidStatus:           "Order status does not allow this operation",
	KindBarcodeExists:           "A shipping barcode was already issued for this order",
	KindInvalidCount:            "New item count is invalid",
	KindNoChanges:               "No changes to apply",
	KindGatewaySyncFailed:       "Failed to synchronise with the payment gateway",
	KindConcurrentUpdate:        "The order changed concurrently, please retry",
	KindAddressIncomplete:       "Delivery address is incomplete",
	KindCarrierError:            "Shipping carrier error",
	KindUnavailable:             "Service temporarily unavailable",
	KindInternal:                "Internal server error",
}

func buildMessageCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for kind, msg := range messagesFa {
		_ = b.SetString(language.Persian, string(kind), msg)
	}
	for kind, msg := range messagesEn {
		_ = b.SetString(language.English, string(kind), msg)
	}
	return b
}

var languageMatcher = language.NewMatcher(SupportedLanguages)

// MatchLanguage picks the catalog language for an Accept-Language header value. Persian is the
// default storefront language.
func MatchLanguage(acceptLanguage string) language.Tag {
	if strings.TrimSpace(acceptLanguage) == "" {
		return language.Persian
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.Persian
	}
	_, idx, _ := languageMatcher.Match(tags...)
	return SupportedLanguages[idx]
}

// LocalizedMessage returns the message for kind in the requested language.
func LocalizedMessage(tag language.Tag, kind ErrorKind) string {
	key := string(kind)
	if _, ok := messagesEn[kind]; !ok {
		key = string(KindInternal)
	}
	p := message.NewPrinter(tag, message.Catalog(messageCatalog))
	return p.Sprintf(key)
}
