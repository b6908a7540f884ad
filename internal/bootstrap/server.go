package bootstrap

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tnmwangi/paysync/api"
	"github.com/tnmwangi/paysync/config"
	"github.com/tnmwangi/paysync/internal/service/booking"
	"github.com/tnmwangi/paysync/internal/service/consistency"
	"github.com/tnmwangi/paysync/internal/service/reconcile"
)

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails.
func Run(ctx context.Context, cfg *config.Config, bookingSvc booking.BookingUseCase, manager consistency.ConsistencyUseCase, reconcileSvc reconcile.ReconcileUseCase) error {
	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	api.NewBookingHandler(bookingSvc).Register(v1.Group("/bookings"))
	api.NewPaymentHandler(bookingSvc, manager).Register(v1.Group("/payments"))
	api.NewSessionHandler().Register(v1.Group("/sessions"))
	api.NewReconciliationHandler(reconcileSvc).Register(v1.Group("/reconciliation"))

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
