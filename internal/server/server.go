package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stripe/stripe-go/v72"

	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/internal/payment"
	"fscreentime/pkg/logger"
)

type LedgerStore interface {
	GetLedger(ctx context.Context, identityID string) (*models.Ledger, bool, error)
	PutLedger(ctx context.Context, identityID string, l *models.Ledger) error
}

type PaymentStore interface {
	GetProfile(ctx context.Context, userID string) (*models.PaymentProfile, error)
	SavePaymentMethod(ctx context.Context, userID, customerID, paymentMethodID string) error
	SaveCustomer(ctx context.Context, userID, customerID, email string) error
}

type WebhookVerifier interface {
	GetWebhookSecret() string
	VerifyWebhookSignature(payload []byte, sig string, webhookSecret string) (stripe.Event, error)
}

type SetupIntentCreator interface {
	CreateSetupIntent(ctx context.Context, req payment.SetupRequest) (*payment.SetupResult, error)
}

// Deps wires the HTTP handlers. A nil Gatherer serves the default registry.
// A nil Setup disables POST /setup-intent.
type Deps struct {
	Ledgers      LedgerStore
	Payments     PaymentStore
	Stripe       WebhookVerifier
	Setup        SetupIntentCreator
	Notifier     notify.Sender
	Gatherer     prometheus.Gatherer
	IngestAPIKey string
}

type Server struct {
	server *http.Server
	deps   Deps
	logger *logger.Logger
}

func NewServer(port string, deps Deps, log *logger.Logger) *Server {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, logger: logger.OrNop(log)}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/stripe", s.handleStripeWebhook)
	mux.HandleFunc("POST /usage/{identityId}/{date}", s.handleIngest)
	mux.HandleFunc("POST /usage/{identityId}", s.handleIngest)
	mux.HandleFunc("POST /ingest/bulk", s.handleIngestBulk)
	mux.HandleFunc("POST /setup-intent", s.handleSetupIntent)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.logger.Infow("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
