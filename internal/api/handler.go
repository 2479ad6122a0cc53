package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"circulation-service/internal/service"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	circulation *service.Circulation
	checks      map[string]ReadinessCheck
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(circulation *service.Circulation, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		circulation: circulation,
		checks:      checks,
		logger:      util.Component("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine, allowedOrigins []string) {
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(allowedOrigins))
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/loans", h.borrow)
		v1.GET("/loans", h.listLoans)
		v1.GET("/loans/:id", h.getLoan)
		v1.POST("/loans/:id/return", h.returnLoan)

		v1.POST("/reservations", h.enqueue)
		v1.GET("/reservations/:id", h.getReservation)
		v1.POST("/reservations/:id/cancel", h.cancelReservation)
		v1.POST("/reservations/expire-holds", h.expireHolds)

		v1.POST("/books/:id/units", h.addUnits)
		v1.GET("/books/:id/units", h.listUnits)
		v1.GET("/books/:id/availability", h.availability)
		v1.GET("/books/:id/queue", h.listQueue)

		v1.POST("/locations/ensure", h.ensureLocation)
		v1.GET("/shelves/:id/occupancy", h.shelfOccupancy)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}

	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"failing": failing,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// borrow handles loan creation
func (h *Handler) borrow(c *gin.Context) {
	var req service.BorrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	loan, err := h.circulation.Loans.Borrow(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newLoanView(loan))
}

// returnLoan closes a loan
func (h *Handler) returnLoan(c *gin.Context) {
	loanID, ok := h.idParam(c)
	if !ok {
		return
	}

	result, err := h.circulation.Loans.Return(c.Request.Context(), loanID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newReturnView(result))
}

// getLoan handles get loan by ID
func (h *Handler) getLoan(c *gin.Context) {
	loanID, ok := h.idParam(c)
	if !ok {
		return
	}

	loan, err := h.circulation.Loans.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newLoanView(loan))
}

// listLoans lists loans filtered by query parameters
func (h *Handler) listLoans(c *gin.Context) {
	var req service.ListLoansRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, "Invalid query parameters", err)
		return
	}

	loans, err := h.circulation.Loans.ListLoans(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]loanView, 0, len(loans))
	for i := range loans {
		views = append(views, newLoanView(&loans[i]))
	}
	c.JSON(http.StatusOK, gin.H{"loans": views})
}

// enqueue places a reservation
func (h *Handler) enqueue(c *gin.Context) {
	var req service.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	r, err := h.circulation.Queue.Enqueue(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newReservationView(r))
}

// getReservation handles get reservation by ID
func (h *Handler) getReservation(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	r, err := h.circulation.Queue.GetReservation(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newReservationView(r))
}

// cancelReservation withdraws a reservation
func (h *Handler) cancelReservation(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	r, err := h.circulation.Queue.Cancel(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newReservationView(r))
}

// expireHolds runs one hold expiry sweep on demand
func (h *Handler) expireHolds(c *gin.Context) {
	expired, err := h.circulation.Queue.ExpireHolds(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// listQueue lists the active reservations of a book
func (h *Handler) listQueue(c *gin.Context) {
	bookID, ok := h.idParam(c)
	if !ok {
		return
	}

	queue, err := h.circulation.Queue.ListQueue(c.Request.Context(), bookID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]reservationView, 0, len(queue))
	for i := range queue {
		views = append(views, newReservationView(&queue[i]))
	}
	c.JSON(http.StatusOK, gin.H{"book_id": bookID, "queue": views})
}

// addUnits registers new copies of a book
func (h *Handler) addUnits(c *gin.Context) {
	bookID, ok := h.idParam(c)
	if !ok {
		return
	}

	var req service.AddUnitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}
	req.BookID = bookID

	units, err := h.circulation.Ledger.AddUnits(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]unitView, 0, len(units))
	for i := range units {
		views = append(views, newUnitView(&units[i]))
	}
	c.JSON(http.StatusCreated, gin.H{"book_id": bookID, "units": views})
}

// listUnits lists the copies of a book with their status
func (h *Handler) listUnits(c *gin.Context) {
	bookID, ok := h.idParam(c)
	if !ok {
		return
	}

	units, err := h.circulation.Ledger.ListUnits(c.Request.Context(), bookID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]unitView, 0, len(units))
	for i := range units {
		views = append(views, newUnitView(&units[i]))
	}
	c.JSON(http.StatusOK, gin.H{"book_id": bookID, "units": views})
}

// availability reports unit counts of a book
func (h *Handler) availability(c *gin.Context) {
	bookID, ok := h.idParam(c)
	if !ok {
		return
	}

	avail, err := h.circulation.Ledger.Availability(c.Request.Context(), bookID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, avail)
}

// ensureLocation resolves a shelf place to ids, creating missing rows
func (h *Handler) ensureLocation(c *gin.Context) {
	var req service.EnsureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	ids, err := h.circulation.Locations.Ensure(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ids)
}

// shelfOccupancy counts the units on a shelf
func (h *Handler) shelfOccupancy(c *gin.Context) {
	shelfID, ok := h.idParam(c)
	if !ok {
		return
	}

	occupancy, err := h.circulation.Locations.ShelfOccupancy(c.Request.Context(), shelfID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, occupancy)
}

func (h *Handler) idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid ID",
			"code":  service.KindValidation,
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   message,
		"code":    service.KindValidation,
		"details": err.Error(),
	})
}

// writeError maps a failure to its HTTP status. Integrity and unexpected
// failures never expose their cause to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	var svcErr *service.Error
	if errors.As(err, &svcErr) && svcErr.Kind != service.KindIntegrity {
		c.JSON(statusForKind(svcErr.Kind), gin.H{
			"error": svcErr.Message,
			"code":  svcErr.Kind,
		})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || store.IsTransient(err) {
		h.logger.Warn("Request failed on a transient condition", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable, retry later",
		})
		return
	}

	h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Internal error",
	})
}

func statusForKind(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindNoUnitsAvailable,
		service.KindDuplicateActive,
		service.KindAlreadyReturned,
		service.KindAlreadyFree,
		service.KindInvalidState,
		service.KindInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = allowedOrigins
	cfg.AllowCredentials = true
	return cors.New(cfg)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
