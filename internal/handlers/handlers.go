package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"smartlibrary/internal/models"
	"smartlibrary/internal/services"
)

type LibraryHandler struct {
	svc          services.LibraryService
	metrics      *Metrics
	writeLimiter *rate.Limiter
}

// RegisterRoutes wires the circulation engine onto the router. Mutating
// routes share a token-bucket limiter; every route is measured.
func RegisterRoutes(r *gin.Engine, svc services.LibraryService, metrics *Metrics) {
	h := &LibraryHandler{
		svc:          svc,
		metrics:      metrics,
		writeLimiter: rate.NewLimiter(rate.Limit(100), 200),
	}

	r.Use(metrics.Middleware())

	r.GET("/healthz", h.healthz)

	r.GET("/users", h.listUsers)
	r.POST("/users", h.limitWrites, h.addUser)

	r.GET("/books", h.listBooks)
	r.POST("/books", h.limitWrites, h.addBook)

	r.GET("/loans", h.listOpenLoans)
	r.POST("/loans/borrow", h.limitWrites, h.borrow)
	r.POST("/loans/:id/return", h.limitWrites, h.returnLoan)
}

func (h *LibraryHandler) limitWrites(c *gin.Context) {
	if !h.writeLimiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}
	c.Next()
}

func (h *LibraryHandler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ─── Users ────────────────────────────────────────────────────────────────────

type addUserRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required,oneof=student teacher admin"`
}

func (h *LibraryHandler) addUser(c *gin.Context) {
	var req addUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.svc.AddUser(c.Request.Context(), req.Name, req.Email, models.UserRole(req.Role))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *LibraryHandler) listUsers(c *gin.Context) {
	users, err := h.svc.ListUsers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// ─── Books ────────────────────────────────────────────────────────────────────

type addBookRequest struct {
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author" binding:"required"`
	TotalCopies int    `json:"total_copies" binding:"min=0"`
}

func (h *LibraryHandler) addBook(c *gin.Context) {
	var req addBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	book, err := h.svc.AddBook(c.Request.Context(), req.Title, req.Author, req.TotalCopies)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	books, err := h.svc.ListBooks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

// ─── Circulation ──────────────────────────────────────────────────────────────

type borrowRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
	BookID string `json:"book_id" binding:"required,uuid"`
}

func (h *LibraryHandler) borrow(c *gin.Context) {
	var req borrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	bookID, err := uuid.Parse(req.BookID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid book id"})
		return
	}

	loan, err := h.svc.Borrow(c.Request.Context(), userID, bookID)
	h.metrics.ObserveOperation("borrow", outcomeLabel(err))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

func (h *LibraryHandler) returnLoan(c *gin.Context) {
	loanID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid loan id"})
		return
	}

	err = h.svc.Return(c.Request.Context(), loanID)
	h.metrics.ObserveOperation("return", outcomeLabel(err))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "returned"})
}

func (h *LibraryHandler) listOpenLoans(c *gin.Context) {
	loans, err := h.svc.ListOpenLoansWithFines(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

// ─── Error Mapping ────────────────────────────────────────────────────────────

// fail translates the domain error taxonomy into HTTP statuses. The message
// always carries the underlying reason verbatim.
func (h *LibraryHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrBookNotFound),
		errors.Is(err, services.ErrLoanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrOutOfStock),
		errors.Is(err, services.ErrAlreadyReturned),
		errors.Is(err, services.ErrConstraintViolation):
		status = http.StatusConflict
	case errors.Is(err, services.ErrBusy):
		c.Header("Retry-After", "1")
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, services.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, services.ErrUserNotFound):
		return "unknown_user"
	case errors.Is(err, services.ErrBookNotFound):
		return "unknown_book"
	case errors.Is(err, services.ErrLoanNotFound):
		return "loan_not_found"
	case errors.Is(err, services.ErrAlreadyReturned):
		return "already_returned"
	case errors.Is(err, services.ErrBusy):
		return "busy"
	case errors.Is(err, services.ErrInventoryOverrun):
		return "inventory_overrun"
	default:
		return "error"
	}
}
