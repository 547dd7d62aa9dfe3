package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"smartlibrary/internal/models"
	"smartlibrary/internal/repositories"
	"smartlibrary/pkg/logger"
)

// ─── Defaults ─────────────────────────────────────────────────────────────────

const (
	// DefaultLoanPeriodDays is the number of days a borrower may keep a book.
	DefaultLoanPeriodDays = 14

	// DefaultFineRatePerDayCents is charged per whole calendar day overdue.
	DefaultFineRatePerDayCents = 50

	// DefaultTxTimeout bounds how long a borrow/return may wait on the
	// database before failing with ErrBusy.
	DefaultTxTimeout = 3 * time.Second
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrUserNotFound is returned when the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrBookNotFound is returned when the referenced book does not exist.
	ErrBookNotFound = errors.New("book not found")

	// ErrOutOfStock is returned when a borrow finds no available copy.
	ErrOutOfStock = errors.New("no copies available")

	// ErrLoanNotFound is returned when the referenced loan does not exist.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrAlreadyReturned is returned when a return is attempted on a loan
	// that is not open.
	ErrAlreadyReturned = errors.New("loan already returned")

	// ErrBusy is returned when a transaction could not acquire its locks
	// within the configured timeout. Callers may retry.
	ErrBusy = errors.New("resource busy, retry")

	// ErrInventoryOverrun signals a broken invariant: a release would push
	// available_copies past total_copies. Never expected in correct
	// operation; surfaced loudly, never clamped.
	ErrInventoryOverrun = errors.New("inventory overrun: release would exceed total copies")

	// ErrConstraintViolation wraps database constraint failures on create
	// (e.g. duplicate email) and invalid field values.
	ErrConstraintViolation = errors.New("constraint violation")
)

// ─── Configuration ────────────────────────────────────────────────────────────

// Config carries the tunable parameters of the circulation engine.
type Config struct {
	LoanPeriodDays      int
	FineRatePerDayCents int64
	TxTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoanPeriodDays == 0 {
		c.LoanPeriodDays = DefaultLoanPeriodDays
	}
	if c.FineRatePerDayCents == 0 {
		c.FineRatePerDayCents = DefaultFineRatePerDayCents
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	return c
}

// ─── Service Interface ────────────────────────────────────────────────────────

// OpenLoan is one row of the dashboard projection: an open loan joined with
// its borrower and book, plus the fine it would carry if settled today.
type OpenLoan struct {
	repositories.DashboardLoan
	PotentialFine string `json:"potential_fine"`
}

// LibraryService defines the application-level operations of the circulation
// engine.
type LibraryService interface {
	AddUser(ctx context.Context, name, email string, role models.UserRole) (*models.User, error)
	AddBook(ctx context.Context, title, author string, totalCopies int) (*models.Book, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	ListBooks(ctx context.Context) ([]models.Book, error)

	Borrow(ctx context.Context, userID, bookID uuid.UUID) (*models.Loan, error)
	Return(ctx context.Context, loanID uuid.UUID) error

	ListOpenLoansWithFines(ctx context.Context) ([]OpenLoan, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type libraryService struct {
	db       *gorm.DB
	userRepo repositories.UserRepository
	bookRepo repositories.BookRepository
	loanRepo repositories.LoanRepository
	cfg      Config
	tracer   trace.Tracer
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
func NewLibraryService(
	db *gorm.DB,
	userRepo repositories.UserRepository,
	bookRepo repositories.BookRepository,
	loanRepo repositories.LoanRepository,
	cfg Config,
) LibraryService {
	return &libraryService{
		db:       db,
		userRepo: userRepo,
		bookRepo: bookRepo,
		loanRepo: loanRepo,
		cfg:      cfg.withDefaults(),
		tracer:   otel.Tracer("smartlibrary/circulation"),
	}
}

// ─── Users and Books ──────────────────────────────────────────────────────────

// AddUser creates a borrower/staff record. Duplicate emails and unknown
// roles surface as ErrConstraintViolation with the underlying reason.
func (s *libraryService) AddUser(ctx context.Context, name, email string, role models.UserRole) (*models.User, error) {
	if !models.ValidRole(role) {
		return nil, wrapConstraint(errors.New("role must be student, teacher or admin"))
	}

	user := &models.User{
		Name:  name,
		Email: email,
		Role:  role,
	}
	if err := s.userRepo.Create(s.db.WithContext(ctx), user); err != nil {
		if isUniqueViolation(err) {
			logger.Warn(ctx).Str("email", email).Msg("duplicate email on user create")
			return nil, wrapConstraint(err)
		}
		return nil, err
	}
	logger.Info(ctx).Str("user_id", user.ID.String()).Str("role", string(role)).Msg("user created")
	return user, nil
}

// AddBook creates a catalog title; every copy starts available.
func (s *libraryService) AddBook(ctx context.Context, title, author string, totalCopies int) (*models.Book, error) {
	if totalCopies < 0 {
		return nil, wrapConstraint(errors.New("total_copies must be >= 0"))
	}

	book := &models.Book{
		Title:           title,
		Author:          author,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
	}
	if err := s.bookRepo.Create(s.db.WithContext(ctx), book); err != nil {
		if isUniqueViolation(err) {
			return nil, wrapConstraint(err)
		}
		return nil, err
	}
	logger.Info(ctx).Str("book_id", book.ID.String()).Str("title", title).Int("copies", totalCopies).Msg("book created")
	return book, nil
}

func (s *libraryService) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.userRepo.List(s.db.WithContext(ctx))
}

func (s *libraryService) ListBooks(ctx context.Context) ([]models.Book, error) {
	return s.bookRepo.List(s.db.WithContext(ctx))
}

// ─── Borrow ───────────────────────────────────────────────────────────────────

// Borrow implements the transactional borrow flow.
//
// Inside a single transaction, bounded by the configured timeout:
//  1. Validate the user exists.
//  2. Validate the book exists.
//  3. Reserve a copy (guarded decrement of available_copies).
//  4. Open the loan with due_date = now + loan period.
//
// Any failure rolls the whole unit back, so a failed borrow never leaks a
// reserved copy.
func (s *libraryService) Borrow(ctx context.Context, userID, bookID uuid.UUID) (*models.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	var loan *models.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.userRepo.GetByID(tx, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		if _, err := s.bookRepo.GetByID(tx, bookID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		reserved, err := s.bookRepo.ReserveCopy(tx, bookID)
		if err != nil {
			return err
		}
		if !reserved {
			return ErrOutOfStock
		}

		now := time.Now().UTC()
		l := &models.Loan{
			UserID:   userID,
			BookID:   bookID,
			LoanDate: now,
			DueDate:  now.AddDate(0, 0, s.cfg.LoanPeriodDays),
			Status:   models.LoanStatusOpen,
		}
		if err := s.loanRepo.Create(tx, l); err != nil {
			return err
		}
		loan = l
		return nil
	})

	if err != nil {
		err = translateBusy(err)
		span.SetAttributes(attribute.String("borrow.outcome", err.Error()))
		logger.Warn(ctx).Err(err).
			Str("user_id", userID.String()).
			Str("book_id", bookID.String()).
			Msg("borrow failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	logger.Info(ctx).
		Str("loan_id", loan.ID.String()).
		Str("user_id", userID.String()).
		Str("book_id", bookID.String()).
		Time("due_date", loan.DueDate).
		Msg("borrow succeeded")
	return loan, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// Return implements the transactional return flow.
//
// Inside a single transaction, bounded by the configured timeout:
//  1. Close the loan (open -> returned, exactly once).
//  2. Release the copy back to the ledger (guarded increment).
//
// A release that would push available_copies past total_copies means the
// conservation invariant is already broken; the transaction aborts with
// ErrInventoryOverrun and the defect is logged.
func (s *libraryService) Return(ctx context.Context, loanID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		closed, err := s.loanRepo.Close(tx, loanID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !closed {
			if _, err := s.loanRepo.GetByID(tx, loanID); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrLoanNotFound
				}
				return err
			}
			return ErrAlreadyReturned
		}

		loan, err := s.loanRepo.GetByID(tx, loanID)
		if err != nil {
			return err
		}

		released, err := s.bookRepo.ReleaseCopy(tx, loan.BookID)
		if err != nil {
			return err
		}
		if !released {
			logger.Error(ctx).
				Str("loan_id", loanID.String()).
				Str("book_id", loan.BookID.String()).
				Msg("DEFECT: inventory overrun on release")
			return ErrInventoryOverrun
		}
		return nil
	})

	if err != nil {
		err = translateBusy(err)
		span.SetAttributes(attribute.String("return.outcome", err.Error()))
		logger.Warn(ctx).Err(err).Str("loan_id", loanID.String()).Msg("return failed")
		return err
	}

	logger.Info(ctx).Str("loan_id", loanID.String()).Msg("return succeeded")
	return nil
}

// ─── Dashboard Projection ─────────────────────────────────────────────────────

// ListOpenLoansWithFines recomputes the read model on every call: all open
// loans joined with borrower name and book title, each carrying the fine it
// would accrue if settled today. Holds no state of its own.
func (s *libraryService) ListOpenLoansWithFines(ctx context.Context) ([]OpenLoan, error) {
	rows, err := s.loanRepo.ListOpen(s.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC()
	out := make([]OpenLoan, 0, len(rows))
	for _, r := range rows {
		fine := calculateFine(r.DueDate, nil, today, s.cfg.FineRatePerDayCents)
		out = append(out, OpenLoan{
			DashboardLoan: r,
			PotentialFine: formatCents(fine),
		})
	}
	return out, nil
}

// ─── Internal Helpers ─────────────────────────────────────────────────────────

func wrapConstraint(err error) error {
	return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
}

// isUniqueViolation checks for a unique-constraint error across backends.
// PostgreSQL error code 23505 = unique_violation; sqlite reports
// "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// translateBusy maps lock-wait exhaustion to ErrBusy so callers know the
// request is retryable. PostgreSQL error code 55P03 = lock_not_available.
func translateBusy(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBusy
	}
	msg := err.Error()
	if strings.Contains(msg, "55P03") ||
		strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "database is locked") {
		return ErrBusy
	}
	return err
}
