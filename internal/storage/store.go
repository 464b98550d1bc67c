// Package storage implements the per-site storage manager: the authoritative,
// serializable mutator of books and loans. Business outcomes are values
// (Result); only infrastructure failures surface as errors.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/pkg/atomicfile"
)

const (
	booksFile = "books.json"
	loansFile = "loans.json"
)

// Business-rule failure reasons. These travel in reply envelopes and are
// part of the observable contract.
const (
	ReasonBookNotFound  = "book not found"
	ReasonNotAvailable  = "not available"
	ReasonAlreadyLoaned = "already loaned to user"
	ReasonNoActiveLoan  = "no active loan"
	ReasonMaxRenewals   = "max renewals reached"
	ReasonInternal      = "internal error"
)

// Result is the outcome of one storage operation. A false OK with a Reason
// is a business-rule rejection, never retried by callers.
type Result struct {
	OK       bool
	Reason   string
	Metadata map[string]any
}

func reject(reason string) Result {
	return Result{OK: false, Reason: reason}
}

type loanKey struct {
	code   string
	userID string
}

// Store owns the books and loans of one site. A single exclusive lock guards
// both collections and their files as one transactional unit; every
// successful mutation persists synchronously before returning.
type Store struct {
	mu        sync.Mutex
	booksPath string
	loansPath string
	books     map[string]model.Book
	loans     map[loanKey]model.Loan
	loanCfg   config.LoanConfig
	log       *zap.Logger
}

// Open loads the store under dataDir. Missing or corrupt files are treated
// as an empty catalog.
func Open(dataDir string, loanCfg config.LoanConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}

	s := &Store{
		booksPath: filepath.Join(dataDir, booksFile),
		loansPath: filepath.Join(dataDir, loansFile),
		books:     make(map[string]model.Book),
		loans:     make(map[loanKey]model.Loan),
		loanCfg:   loanCfg,
		log:       logger,
	}

	var books []model.Book
	if _, err := atomicfile.ReadJSON(s.booksPath, &books); err != nil {
		return nil, err
	}
	for _, b := range books {
		s.books[b.Code] = b
	}

	var loans []model.Loan
	if _, err := atomicfile.ReadJSON(s.loansPath, &loans); err != nil {
		return nil, err
	}
	for _, l := range loans {
		s.loans[loanKey{l.Code, l.UserID}] = l
	}
	return s, nil
}

// CheckAndLoan validates availability and creates the loan, marking the book
// unavailable. Metadata carries the computed due date.
func (s *Store) CheckAndLoan(id, code, userID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[code]
	if !ok {
		return reject(ReasonBookNotFound), nil
	}
	if !book.Available {
		return reject(ReasonNotAvailable), nil
	}
	if _, exists := s.loans[loanKey{code, userID}]; exists {
		return reject(ReasonAlreadyLoaned), nil
	}

	dueDate := model.TodayPlusDays(s.loanCfg.DurationDays)
	book.Available = false
	s.books[code] = book
	s.loans[loanKey{code, userID}] = model.Loan{
		Code: code, UserID: userID, DueDate: dueDate, Renewals: 0,
	}

	if err := s.persistLocked(); err != nil {
		delete(s.loans, loanKey{code, userID})
		book.Available = true
		s.books[code] = book
		return reject(ReasonInternal), err
	}

	s.log.Info("loan applied", zap.String("id", id),
		zap.String("code", code), zap.String("user", userID), zap.String("dueDate", dueDate))
	return Result{OK: true, Metadata: map[string]any{"dueDate": dueDate}}, nil
}

// Renovar extends an active loan to dueDateNew. The new due date is computed
// by the coordinator, not here, so identical events replicate
// deterministically.
func (s *Store) Renovar(id, code, userID, dueDateNew string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := loanKey{code, userID}
	loan, ok := s.loans[key]
	if !ok {
		return reject(ReasonNoActiveLoan), nil
	}
	if loan.Renewals >= s.loanCfg.MaxRenewals {
		return reject(ReasonMaxRenewals), nil
	}

	prev := loan
	loan.DueDate = dueDateNew
	loan.Renewals++
	s.loans[key] = loan

	if err := s.persistLocked(); err != nil {
		s.loans[key] = prev
		return reject(ReasonInternal), err
	}

	s.log.Info("renewal applied", zap.String("id", id),
		zap.String("code", code), zap.String("user", userID),
		zap.String("dueDate", dueDateNew), zap.Int("renewals", loan.Renewals))
	return Result{OK: true, Metadata: map[string]any{
		"dueDate":  dueDateNew,
		"renewals": loan.Renewals,
	}}, nil
}

// Devolver removes the loan and marks the book available again.
func (s *Store) Devolver(id, code, userID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := loanKey{code, userID}
	loan, ok := s.loans[key]
	if !ok {
		return reject(ReasonNoActiveLoan), nil
	}

	delete(s.loans, key)
	book, hasBook := s.books[code]
	prevAvailable := book.Available
	if hasBook {
		book.Available = true
		s.books[code] = book
	}

	if err := s.persistLocked(); err != nil {
		s.loans[key] = loan
		if hasBook {
			book.Available = prevAvailable
			s.books[code] = book
		}
		return reject(ReasonInternal), err
	}

	s.log.Info("return applied", zap.String("id", id),
		zap.String("code", code), zap.String("user", userID))
	return Result{OK: true, Metadata: map[string]any{"available": true}}, nil
}

// AddBook inserts a catalog entry. Used by seeding and tests.
func (s *Store) AddBook(code, title string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[code] = model.Book{Code: code, Title: title, Available: available}
	return s.persistLocked()
}

// Books returns a sorted snapshot of the catalog.
func (s *Store) Books() []model.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booksLocked()
}

// Loans returns a sorted snapshot of the active loans.
func (s *Store) Loans() []model.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loansLocked()
}

func (s *Store) booksLocked() []model.Book {
	out := make([]model.Book, 0, len(s.books))
	for _, b := range s.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *Store) loansLocked() []model.Loan {
	out := make([]model.Loan, 0, len(s.loans))
	for _, l := range s.loans {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) persistLocked() error {
	if err := atomicfile.WriteJSON(s.booksPath, s.booksLocked()); err != nil {
		return err
	}
	return atomicfile.WriteJSON(s.loansPath, s.loansLocked())
}
