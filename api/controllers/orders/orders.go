package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/krishiconnect/marketplace-backend/api/responses"
	"github.com/krishiconnect/marketplace-backend/api/validators"
	internalorders "github.com/krishiconnect/marketplace-backend/internal/orders"
	"github.com/krishiconnect/marketplace-backend/pkg/auth"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/pagination"
)

// ordersService is the slice of the order service the HTTP layer calls.
type ordersService interface {
	Create(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error)
	Get(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*models.Order, error)
	ListForBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*internalorders.OrderList, error)
	ListFarmerSales(ctx context.Context, farmerID uuid.UUID, params pagination.Params) (*internalorders.OrderList, error)
	ConfirmManualPayment(ctx context.Context, principal auth.Principal, orderID uuid.UUID, ref string) (*models.Order, error)
	UpdateStatus(ctx context.Context, principal auth.Principal, orderID uuid.UUID, target string) (*models.Order, error)
}

type createOrderItem struct {
	ListingID string `json:"listing_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type createOrderRequest struct {
	Items           []createOrderItem `json:"items" validate:"required,min=1,dive"`
	PaymentMethod   string            `json:"payment_method"`
	DeliveryAddress string            `json:"delivery_address" validate:"required,max=500"`
	District        *string           `json:"district" validate:"omitempty,max=100"`
	Municipality    *string           `json:"municipality" validate:"omitempty,max=100"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type confirmPaymentRequest struct {
	Ref string `json:"ref" validate:"max=100"`
}

// Create places an order for the authenticated buyer.
func Create(svc ordersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := requirePrincipal(w, r, logg)
		if !ok {
			return
		}
		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := internalorders.CreateOrderInput{
			BuyerID:         principal.UserID,
			PaymentMethod:   req.PaymentMethod,
			DeliveryAddress: validators.SanitizeString(req.DeliveryAddress, 500),
			District:        sanitizeOptional(req.District, 100),
			Municipality:    sanitizeOptional(req.Municipality, 100),
			Items:           make([]internalorders.ItemInput, 0, len(req.Items)),
		}
		for _, item := range req.Items {
			input.Items = append(input.Items, internalorders.ItemInput{
				ListingID: uuid.MustParse(item.ListingID),
				Quantity:  item.Quantity,
			})
		}

		order, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, internalorders.NewOrderDTO(*order))
	}
}

// ListMine pages through the buyer's own orders, newest first.
func ListMine(svc ordersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := requirePrincipal(w, r, logg)
		if !ok {
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListForBuyer(r.Context(), principal.UserID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// FarmerSales pages through orders containing the farmer's listings.
func FarmerSales(svc ordersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := requirePrincipal(w, r, logg)
		if !ok {
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListFarmerSales(r.Context(), principal.UserID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

func Detail(svc ordersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := requirePrincipal(w, r, logg)
		if !ok {
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), principal, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDTO(*order))
	}
}

// UpdateStatus applies a farmer-driven status transition.
func UpdateStatus(svc ordersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := requirePrincipal(w, r, logg)
		if !ok {
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req updateStatusRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithOrderID(r.Context(), orderID.String())
		order, err := svc.UpdateStatus(ctx, principal, orderID, req.Status)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDTO(*order))
	}
}

// ConfirmPayment settles a manual (COD) payment. The body is optional.
func ConfirmPayment(svc ordersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := requirePrincipal(w, r, logg)
		if !ok {
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req confirmPaymentRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		ctx := logg.WithOrderID(r.Context(), orderID.String())
		order, err := svc.ConfirmManualPayment(ctx, principal, orderID, strings.TrimSpace(req.Ref))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDTO(*order))
	}
}

func requirePrincipal(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.IsZero() {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
		return auth.Principal{}, false
	}
	return principal, true
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{
		Limit:  limit,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
	}, nil
}

func sanitizeOptional(value *string, maxLen int) *string {
	if value == nil {
		return nil
	}
	cleaned := validators.SanitizeString(*value, maxLen)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
