package repositories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"smartlibrary/internal/models"
)

type UserRepository interface {
	Create(db *gorm.DB, user *models.User) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.User, error)
	List(db *gorm.DB) ([]models.User, error)
}

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	List(db *gorm.DB) ([]models.Book, error)

	// ReserveCopy atomically decrements available_copies if at least one
	// copy is free. It reports whether a copy was taken. ReleaseCopy is
	// the inverse, guarded so available_copies never exceeds total_copies.
	// These two are the only writers of available_copies.
	ReserveCopy(db *gorm.DB, bookID uuid.UUID) (bool, error)
	ReleaseCopy(db *gorm.DB, bookID uuid.UUID) (bool, error)
}

// DashboardLoan is one row of the open-loans read model, joined across
// loans, users and books.
type DashboardLoan struct {
	LoanID    uuid.UUID         `json:"loan_id"`
	UserName  string            `json:"user_name"`
	BookTitle string            `json:"book_title"`
	DueDate   time.Time         `json:"due_date"`
	Status    models.LoanStatus `json:"status"`
}

type LoanRepository interface {
	Create(db *gorm.DB, loan *models.Loan) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Loan, error)

	// Close transitions a loan from open to returned, setting return_date.
	// It reports whether the transition happened; false means the loan is
	// missing or already returned.
	Close(db *gorm.DB, id uuid.UUID, returnedAt time.Time) (bool, error)

	ListOpen(db *gorm.DB) ([]DashboardLoan, error)
	CountOpenByBook(db *gorm.DB, bookID uuid.UUID) (int64, error)
}

// concrete implementations

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(db *gorm.DB, user *models.User) error {
	if db == nil {
		db = r.db
	}
	return db.Create(user).Error
}

func (r *userRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.User, error) {
	if db == nil {
		db = r.db
	}
	var user models.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) List(db *gorm.DB) ([]models.User, error) {
	if db == nil {
		db = r.db
	}
	var users []models.User
	if err := db.Order("name ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

type bookRepository struct {
	db *gorm.DB
}

func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

func (r *bookRepository) Create(db *gorm.DB, book *models.Book) error {
	if db == nil {
		db = r.db
	}
	return db.Create(book).Error
}

func (r *bookRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	if err := db.First(&book, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) List(db *gorm.DB) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	var books []models.Book
	if err := db.Order("created_at ASC").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// ReserveCopy is a single guarded UPDATE. Under concurrent callers the row
// lock plus re-evaluation of the WHERE clause yields exactly one winner for
// the last copy; losers see zero rows affected.
func (r *bookRepository) ReserveCopy(db *gorm.DB, bookID uuid.UUID) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Book{}).
		Where("id = ? AND available_copies > 0", bookID).
		UpdateColumn("available_copies", gorm.Expr("available_copies - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *bookRepository) ReleaseCopy(db *gorm.DB, bookID uuid.UUID) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Book{}).
		Where("id = ? AND available_copies < total_copies", bookID).
		UpdateColumn("available_copies", gorm.Expr("available_copies + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type loanRepository struct {
	db *gorm.DB
}

func NewLoanRepository(db *gorm.DB) LoanRepository {
	return &loanRepository{db: db}
}

func (r *loanRepository) Create(db *gorm.DB, loan *models.Loan) error {
	if db == nil {
		db = r.db
	}
	return db.Create(loan).Error
}

func (r *loanRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	if err := db.First(&loan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *loanRepository) Close(db *gorm.DB, id uuid.UUID, returnedAt time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND status = ?", id, models.LoanStatusOpen).
		Updates(map[string]interface{}{
			"status":      models.LoanStatusReturned,
			"return_date": returnedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *loanRepository) ListOpen(db *gorm.DB) ([]DashboardLoan, error) {
	if db == nil {
		db = r.db
	}
	var rows []DashboardLoan
	err := db.Model(&models.Loan{}).
		Select("loans.id AS loan_id, users.name AS user_name, books.title AS book_title, loans.due_date, loans.status").
		Joins("JOIN users ON users.id = loans.user_id").
		Joins("JOIN books ON books.id = loans.book_id").
		Where("loans.status = ?", models.LoanStatusOpen).
		Order("loans.due_date ASC, loans.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *loanRepository) CountOpenByBook(db *gorm.DB, bookID uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	err := db.Model(&models.Loan{}).
		Where("book_id = ? AND status = ?", bookID, models.LoanStatusOpen).
		Count(&n).Error
	return n, err
}
