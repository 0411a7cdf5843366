package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/shopcore/api/internal/platform/auth"
	"github.com/shopcore/api/internal/platform/httpx"
	"github.com/shopcore/api/internal/platform/requestctx"
	"github.com/shopcore/api/internal/services"
)

// kindStatus overrides the category default for kinds that deserve a more specific status.
var kindStatus = map[services.ErrorKind]int{
	services.KindCartChanged:        http.StatusConflict,
	services.KindInvalidStatus:      http.StatusConflict,
	services.KindBarcodeExists:      http.StatusConflict,
	services.KindConcurrentUpdate:   http.StatusConflict,
	services.KindGatewayUnavailable: http.StatusServiceUnavailable,
	services.KindGatewaySyncFailed:  http.StatusBadGateway,
	services.KindCarrierError:       http.StatusBadGateway,
	services.KindUnavailable:        http.StatusServiceUnavailable,
}

var categoryStatus = map[services.ErrorCategory]int{
	services.CategoryValidation:     http.StatusBadRequest,
	services.CategoryBusinessRule:   http.StatusBadRequest,
	services.CategoryNotFound:       http.StatusNotFound,
	services.CategoryProvider:       http.StatusBadRequest,
	services.CategoryInfrastructure: http.StatusInternalServerError,
}

// writeServiceError renders a checkout, settlement or adjustment failure. error carries the
// provider or business detail when there is one and the localized message otherwise; the kind
// goes to code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	lang := requestLanguage(r)
	if errors.Is(err, services.ErrCheckoutUnavailable) {
		message := services.LocalizedMessage(lang, services.KindUnavailable)
		httpx.WriteError(ctx, w, httpx.NewError(string(services.KindUnavailable), message, http.StatusServiceUnavailable).WithText(message))
		return
	}

	cerr := services.AsCheckoutError(err)
	status, ok := kindStatus[cerr.Kind]
	if !ok {
		status = categoryStatus[cerr.Category()]
	}
	if status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Sugar().Errorw("request failed", "kind", cerr.Kind, "error", cerr.Error())
	}

	message := cerr.Message(lang)
	text := message
	details := map[string]any{"category": string(cerr.Category())}
	if cerr.Detail != "" && cerr.Category() != services.CategoryInfrastructure {
		details["detail"] = cerr.Detail
		text = cerr.Detail
	}
	data := errorData(cerr.Data)
	if debug, ok := data[debugKey]; ok {
		details[debugKey] = debug
		delete(data, debugKey)
	}
	if len(data) > 0 {
		details["data"] = data
	}
	apiErr := httpx.NewError(string(cerr.Kind), message, status).WithText(text).WithDetails(details)
	if cerr.RequestID != "" {
		apiErr = apiErr.WithRequestID(cerr.RequestID)
	}
	httpx.WriteError(ctx, w, apiErr)
}

const debugKey = "debug"

func errorData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		switch v := value.(type) {
		case []services.StockRemoval:
			out[key] = stockRemovalPayloads(v)
		case []services.StockAdjustment:
			out[key] = stockAdjustmentPayloads(v)
		default:
			out[key] = v
		}
	}
	return out
}

// requestLanguage prefers Accept-Language and falls back to the token's locale claim.
func requestLanguage(r *http.Request) language.Tag {
	header := strings.TrimSpace(r.Header.Get("Accept-Language"))
	if header == "" {
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			header = identity.Locale
		}
	}
	return services.MatchLanguage(header)
}

func writeUnauthenticated(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, what string) {
	httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", what+" unavailable", http.StatusServiceUnavailable))
}

// actor names the admin performing a back-office action for the order log.
func actor(identity *auth.Identity) string {
	if identity == nil {
		return "admin"
	}
	if identity.Phone != "" {
		return "admin:" + identity.Phone
	}
	return "admin:" + identity.Subject
}
