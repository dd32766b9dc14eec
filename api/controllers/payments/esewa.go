package payments

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/krishiconnect/marketplace-backend/api/responses"
	"github.com/krishiconnect/marketplace-backend/api/validators"
	internalpayments "github.com/krishiconnect/marketplace-backend/internal/payments"
	"github.com/krishiconnect/marketplace-backend/pkg/auth"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
)

type paymentsService interface {
	Initiate(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*internalpayments.InitiateResult, error)
	HandleSuccess(ctx context.Context, orderID uuid.UUID, data string) internalpayments.Outcome
	HandleFailure(ctx context.Context, orderID uuid.UUID) internalpayments.Outcome
}

// Initiate returns the signed eSewa form for a gateway order.
func Initiate(svc paymentsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || principal.IsZero() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithOrderID(r.Context(), orderID.String())
		result, err := svc.Initiate(ctx, principal, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Success handles the browser redirect eSewa sends after a payment attempt.
// It always answers with a redirect to the frontend, never with JSON.
func Success(svc paymentsService, frontendURL string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDQuery(r, "orderId")
		if err != nil {
			redirect(w, r, internalpayments.Outcome{Reason: internalpayments.ReasonInvalidOrder}, frontendURL)
			return
		}
		ctx := logg.WithOrderID(r.Context(), orderID.String())
		data := strings.TrimSpace(r.URL.Query().Get("data"))
		outcome := svc.HandleSuccess(ctx, orderID, data)
		redirect(w, r, outcome, frontendURL)
	}
}

// Failure handles the redirect eSewa sends when the buyer cancels or the
// payment fails.
func Failure(svc paymentsService, frontendURL string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDQuery(r, "orderId")
		if err != nil {
			redirect(w, r, internalpayments.Outcome{Reason: internalpayments.ReasonInvalidOrder}, frontendURL)
			return
		}
		ctx := logg.WithOrderID(r.Context(), orderID.String())
		outcome := svc.HandleFailure(ctx, orderID)
		redirect(w, r, outcome, frontendURL)
	}
}

func redirect(w http.ResponseWriter, r *http.Request, outcome internalpayments.Outcome, frontendURL string) {
	http.Redirect(w, r, outcome.RedirectURL(frontendURL), http.StatusFound)
}
