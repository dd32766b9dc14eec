package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krishiconnect/marketplace-backend/api/controllers"
	ordercontrollers "github.com/krishiconnect/marketplace-backend/api/controllers/orders"
	paymentcontrollers "github.com/krishiconnect/marketplace-backend/api/controllers/payments"
	"github.com/krishiconnect/marketplace-backend/api/middleware"
	"github.com/krishiconnect/marketplace-backend/internal/orders"
	"github.com/krishiconnect/marketplace-backend/internal/payments"
	"github.com/krishiconnect/marketplace-backend/pkg/config"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/metrics"
	pkgredis "github.com/krishiconnect/marketplace-backend/pkg/redis"
)

// redisClient is what the router needs from Redis: idempotency records,
// rate limit counters and a readiness ping.
type redisClient interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	CounterKey(name string) string
	Ping(ctx context.Context) error
}

// Params wires the HTTP surface.
type Params struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          controllers.Pinger
	Redis       redisClient
	Orders      orders.Service
	Payments    payments.Service
	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, p.HTTPMetrics),
		middleware.CORS(cfg.URLs.Frontend),
	)

	readiness := map[string]controllers.Pinger{"db": p.DB}
	if p.Redis != nil {
		readiness["redis"] = p.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var idempotencyStore pkgredis.IdempotencyStore
	if p.Redis != nil {
		idempotencyStore = p.Redis
	}
	idem := middleware.Idempotency(idempotencyStore, logg)

	callbackPolicy := middleware.NewRateLimitPolicy("esewa-callback", cfg.RateLimit.CallbackWindow, cfg.RateLimit.CallbackPerIP)
	r.Route("/api/payments/esewa", func(r chi.Router) {
		if p.Redis != nil {
			r.Use(middleware.RateLimit(callbackPolicy, p.Redis, logg))
		}
		r.Get("/success", paymentcontrollers.Success(p.Payments, cfg.URLs.Frontend, logg))
		r.Get("/failure", paymentcontrollers.Failure(p.Payments, cfg.URLs.Frontend, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		buyer := middleware.RequireRole(logg, enums.RoleBuyer)
		farmer := middleware.RequireRole(logg, enums.RoleFarmer)
		settler := middleware.RequireRole(logg, enums.RoleBuyer, enums.RoleAdmin)

		r.Route("/orders", func(r chi.Router) {
			r.With(buyer, idem).Post("/", ordercontrollers.Create(p.Orders, logg))
			r.With(buyer).Get("/mine", ordercontrollers.ListMine(p.Orders, logg))
			r.With(farmer).Get("/farmer/sales", ordercontrollers.FarmerSales(p.Orders, logg))
			r.Get("/{orderId}", ordercontrollers.Detail(p.Orders, logg))
			r.With(farmer, idem).Patch("/{orderId}/status", ordercontrollers.UpdateStatus(p.Orders, logg))
			r.With(settler, idem).Post("/{orderId}/payment/confirm", ordercontrollers.ConfirmPayment(p.Orders, logg))
		})

		r.With(buyer, idem).Post("/payments/esewa/{orderId}/initiate", paymentcontrollers.Initiate(p.Payments, logg))
	})

	return r
}
