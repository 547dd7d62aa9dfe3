package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"smartlibrary/internal/models"
	"smartlibrary/internal/repositories"
	"smartlibrary/internal/services"
	"smartlibrary/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("smartlibrary-test", false)
	logger.SetLevel("error")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "library.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Book{}, &models.Loan{}))

	svc := services.NewLibraryService(
		db,
		repositories.NewUserRepository(db),
		repositories.NewBookRepository(db),
		repositories.NewLoanRepository(db),
		services.Config{},
	)

	router := gin.New()
	RegisterRoutes(router, svc, NewMetrics(prometheus.NewRegistry()))
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func createUser(t *testing.T, router *gin.Engine, name, email string) string {
	t.Helper()
	w, resp := doJSON(t, router, http.MethodPost, "/users", gin.H{
		"name": name, "email": email, "role": "student",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return resp["id"].(string)
}

func createBook(t *testing.T, router *gin.Engine, title string, copies int) string {
	t.Helper()
	w, resp := doJSON(t, router, http.MethodPost, "/books", gin.H{
		"title": title, "author": "Anon", "total_copies": copies,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return resp["id"].(string)
}

func TestBorrowReturnFlow(t *testing.T) {
	router := newTestRouter(t)

	userID := createUser(t, router, "Paul", "paul@example.com")
	bookID := createBook(t, router, "Dune", 1)

	w, loan := doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{
		"user_id": userID, "book_id": bookID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	loanID := loan["id"].(string)
	assert.Equal(t, "open", loan["status"])

	// Book shows zero availability.
	w, _ = doJSON(t, router, http.MethodGet, "/books", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var books []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &books))
	require.Len(t, books, 1)
	assert.Equal(t, float64(0), books[0]["available_copies"])

	// Dashboard carries the joined row.
	w, _ = doJSON(t, router, http.MethodGet, "/loans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var loans []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loans))
	require.Len(t, loans, 1)
	assert.Equal(t, "Paul", loans[0]["user_name"])
	assert.Equal(t, "Dune", loans[0]["book_title"])
	assert.Equal(t, "0.00", loans[0]["potential_fine"])

	w, _ = doJSON(t, router, http.MethodPost, "/loans/"+loanID+"/return", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = doJSON(t, router, http.MethodGet, "/loans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loans))
	assert.Empty(t, loans)
}

func TestBorrowUnknownUserIs404(t *testing.T) {
	router := newTestRouter(t)
	bookID := createBook(t, router, "Dune", 1)

	w, resp := doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{
		"user_id": "00000000-0000-0000-0000-00000000dead", "book_id": bookID,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, resp["error"], "user not found")
}

func TestBorrowOutOfStockIs409(t *testing.T) {
	router := newTestRouter(t)

	alice := createUser(t, router, "Alice", "alice@example.com")
	bob := createUser(t, router, "Bob", "bob@example.com")
	bookID := createBook(t, router, "Dune", 1)

	w, _ := doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{"user_id": alice, "book_id": bookID})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{"user_id": bob, "book_id": bookID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, resp["error"], "no copies available")
}

func TestDoubleReturnIs409(t *testing.T) {
	router := newTestRouter(t)

	userID := createUser(t, router, "Alice", "alice@example.com")
	bookID := createBook(t, router, "Dune", 1)

	w, loan := doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{"user_id": userID, "book_id": bookID})
	require.Equal(t, http.StatusCreated, w.Code)
	loanID := loan["id"].(string)

	w, _ = doJSON(t, router, http.MethodPost, "/loans/"+loanID+"/return", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := doJSON(t, router, http.MethodPost, "/loans/"+loanID+"/return", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, resp["error"], "already returned")
}

// busyLibraryService always reports lock contention on borrow.
type busyLibraryService struct {
	services.LibraryService
}

func (busyLibraryService) Borrow(ctx context.Context, userID, bookID uuid.UUID) (*models.Loan, error) {
	return nil, services.ErrBusy
}

func TestBorrowBusyIs503WithRetryAfter(t *testing.T) {
	router := gin.New()
	RegisterRoutes(router, busyLibraryService{}, NewMetrics(prometheus.NewRegistry()))

	w, resp := doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{
		"user_id": "11111111-1111-1111-1111-111111111111",
		"book_id": "22222222-2222-2222-2222-222222222222",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, resp["error"], "busy")
}

func TestReturnUnknownLoanIs404(t *testing.T) {
	router := newTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/loans/00000000-0000-0000-0000-00000000dead/return", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDuplicateEmailIs409WithReason(t *testing.T) {
	router := newTestRouter(t)

	createUser(t, router, "Alice", "alice@example.com")
	w, resp := doJSON(t, router, http.MethodPost, "/users", gin.H{
		"name": "Other Alice", "email": "alice@example.com", "role": "teacher",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, resp["error"], "constraint violation")
}

func TestValidationErrorsAre400(t *testing.T) {
	router := newTestRouter(t)

	// Missing role.
	w, _ := doJSON(t, router, http.MethodPost, "/users", gin.H{"name": "X", "email": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bad role.
	w, _ = doJSON(t, router, http.MethodPost, "/users", gin.H{"name": "X", "email": "x@example.com", "role": "wizard"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Negative copies.
	w, _ = doJSON(t, router, http.MethodPost, "/books", gin.H{"title": "T", "author": "A", "total_copies": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed uuid.
	w, _ = doJSON(t, router, http.MethodPost, "/loans/borrow", gin.H{"user_id": "nope", "book_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed loan id on return.
	w, _ = doJSON(t, router, http.MethodPost, "/loans/nope/return", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsersListedByName(t *testing.T) {
	router := newTestRouter(t)

	createUser(t, router, "Zoe", "zoe@example.com")
	createUser(t, router, "Alice", "alice@example.com")

	w, _ := doJSON(t, router, http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var users []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0]["name"])
	assert.Equal(t, "Zoe", users[1]["name"])
}
