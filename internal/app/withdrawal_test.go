package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
)

type withdrawalRepoStub struct {
	store.Repository

	active     *domain.WithdrawalRequest
	settings   *domain.WithdrawalSettings
	balance    *domain.BalanceSummary
	last       *domain.WithdrawalRequest
	approveErr error

	created       *domain.WithdrawalRequest
	approveCalled bool
	rejected      *domain.WithdrawalRequest
	rejectReason  string
	deleteCalled  bool
}

func (s *withdrawalRepoStub) FindActiveWithdrawalRequest(ctx context.Context, ozonID string) (*domain.WithdrawalRequest, error) {
	if s.active == nil {
		return nil, store.ErrRequestNotFound
	}
	return s.active, nil
}

func (s *withdrawalRepoStub) GetWithdrawalSettings(ctx context.Context) (*domain.WithdrawalSettings, error) {
	return s.settings, nil
}

func (s *withdrawalRepoStub) GetBalanceSummary(ctx context.Context, ozonID string) (*domain.BalanceSummary, error) {
	return s.balance, nil
}

func (s *withdrawalRepoStub) FindLastFinishedWithdrawalRequest(ctx context.Context, ozonID string) (*domain.WithdrawalRequest, error) {
	if s.last == nil {
		return nil, store.ErrRequestNotFound
	}
	return s.last, nil
}

func (s *withdrawalRepoStub) CreateWithdrawalRequest(ctx context.Context, req *domain.WithdrawalRequest) error {
	s.created = req
	return nil
}

func (s *withdrawalRepoStub) ApproveWithdrawalRequestAtomic(ctx context.Context, requestID uuid.UUID, adminID string) (*domain.WithdrawalRequest, []domain.WithdrawalTransaction, error) {
	s.approveCalled = true
	if s.approveErr != nil {
		return nil, nil, s.approveErr
	}
	request := &domain.WithdrawalRequest{ID: requestID, UserOzonID: "user", Amount: 5000, Status: domain.WithdrawalStatusApproved}
	transactions := []domain.WithdrawalTransaction{
		{ID: uuid.New(), WithdrawalRequestID: requestID, BonusTransactionID: uuid.New(), Amount: 5000},
	}
	return request, transactions, nil
}

func (s *withdrawalRepoStub) RejectWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminID, reason string) (*domain.WithdrawalRequest, error) {
	s.rejectReason = reason
	s.rejected = &domain.WithdrawalRequest{ID: requestID, Status: domain.WithdrawalStatusRejected}
	return s.rejected, nil
}

func (s *withdrawalRepoStub) DeleteProcessingWithdrawalRequest(ctx context.Context, requestID uuid.UUID, ozonID string) error {
	s.deleteCalled = true
	return nil
}

type rateLimiterStub struct {
	count      int
	retryAfter int
	err        error
	called     bool
}

func (s *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	s.called = true
	return s.count, s.retryAfter, s.err
}

func newWithdrawalStub() *withdrawalRepoStub {
	return &withdrawalRepoStub{
		settings: &domain.WithdrawalSettings{MinWithdrawalAmount: 1000, DaysBetweenWithdrawals: 7},
		balance:  &domain.BalanceSummary{OzonID: "user", Available: 10000},
	}
}

func expectValidationCode(t *testing.T, err error, code string) {
	t.Helper()
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if validationErr.Code != code {
		t.Fatalf("expected code %q, got %q", code, validationErr.Code)
	}
}

func TestCreateWithdrawal_Success(t *testing.T) {
	repo := newWithdrawalStub()
	svc := newTestService(repo)

	request, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{
		OzonID:     "user",
		TelegramID: 42,
		Amount:     5000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Status != domain.WithdrawalStatusProcessing {
		t.Fatalf("expected a processing request, got %s", request.Status)
	}
	if repo.created == nil || repo.created.Amount != 5000 || repo.created.UserTelegramID != 42 {
		t.Fatal("expected the request to be persisted with the input fields")
	}
}

func TestCreateWithdrawal_RejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(newWithdrawalStub())

	_, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 0})
	expectValidationCode(t, err, "invalid_amount")
}

func TestCreateWithdrawal_RateLimitRunsFirst(t *testing.T) {
	// Over the limit and with an active request: the limiter wins.
	repo := newWithdrawalStub()
	repo.active = &domain.WithdrawalRequest{ID: uuid.New(), Status: domain.WithdrawalStatusProcessing}
	svc := newTestService(repo)
	limiter := &rateLimiterStub{count: 6, retryAfter: 1800}
	svc.SetWithdrawalRateLimiter(limiter, 5)

	_, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000})
	expectValidationCode(t, err, "rate_limited")
	if !limiter.called {
		t.Fatal("expected the limiter to be consulted")
	}
}

func TestCreateWithdrawal_LimiterFailureDoesNotBlock(t *testing.T) {
	repo := newWithdrawalStub()
	svc := newTestService(repo)
	svc.SetWithdrawalRateLimiter(&rateLimiterStub{err: errors.New("redis down")}, 5)

	if _, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000}); err != nil {
		t.Fatalf("a broken limiter must not block requests, got %v", err)
	}
	if repo.created == nil {
		t.Fatal("expected the request to be created")
	}
}

func TestCreateWithdrawal_RejectsSecondActiveRequest(t *testing.T) {
	repo := newWithdrawalStub()
	repo.active = &domain.WithdrawalRequest{ID: uuid.New(), Status: domain.WithdrawalStatusApproved}
	svc := newTestService(repo)

	_, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000})
	expectValidationCode(t, err, "active_request_exists")
}

func TestCreateWithdrawal_RejectsBelowMinimum(t *testing.T) {
	repo := newWithdrawalStub()
	repo.settings.MinWithdrawalAmount = 10000
	svc := newTestService(repo)

	_, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000})
	expectValidationCode(t, err, "below_minimum")
}

func TestCreateWithdrawal_RejectsInsufficientBalance(t *testing.T) {
	repo := newWithdrawalStub()
	repo.balance.Available = 4000
	svc := newTestService(repo)

	_, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000})
	expectValidationCode(t, err, "insufficient_balance")
}

func TestCreateWithdrawal_RejectsDuringCooldown(t *testing.T) {
	repo := newWithdrawalStub()
	processedAt := time.Now().Add(-24 * time.Hour)
	repo.last = &domain.WithdrawalRequest{Status: domain.WithdrawalStatusCompleted, ProcessedAt: &processedAt}
	svc := newTestService(repo)

	_, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000})
	expectValidationCode(t, err, "cooldown_active")
}

func TestCreateWithdrawal_AllowsAfterCooldown(t *testing.T) {
	repo := newWithdrawalStub()
	processedAt := time.Now().Add(-8 * 24 * time.Hour)
	repo.last = &domain.WithdrawalRequest{Status: domain.WithdrawalStatusRejected, ProcessedAt: &processedAt}
	svc := newTestService(repo)

	if _, err := svc.CreateWithdrawalRequest(context.Background(), domain.CreateWithdrawalRequestInput{OzonID: "user", Amount: 5000}); err != nil {
		t.Fatalf("unexpected error after the cooldown elapsed: %v", err)
	}
}

func TestApproveWithdrawal_ReturnsConsumedRows(t *testing.T) {
	repo := newWithdrawalStub()
	svc := newTestService(repo)
	requestID := uuid.New()

	request, consumed, err := svc.ApproveWithdrawalRequest(context.Background(), requestID, "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Status != domain.WithdrawalStatusApproved {
		t.Fatalf("expected approved status, got %s", request.Status)
	}
	if len(consumed) != 1 {
		t.Fatalf("expected 1 consumed row, got %d", len(consumed))
	}
}

func TestApproveWithdrawal_InsufficientCoverageIsValidationError(t *testing.T) {
	repo := newWithdrawalStub()
	repo.approveErr = store.ErrInsufficientAvailable
	svc := newTestService(repo)

	_, _, err := svc.ApproveWithdrawalRequest(context.Background(), uuid.New(), "admin-1")
	expectValidationCode(t, err, "insufficient_balance")
}

func TestRejectWithdrawal_RequiresReason(t *testing.T) {
	repo := newWithdrawalStub()
	svc := newTestService(repo)

	_, err := svc.RejectWithdrawalRequest(context.Background(), uuid.New(), "admin-1", "")
	expectValidationCode(t, err, "missing_reason")
	if repo.rejected != nil {
		t.Fatal("the store must not be touched without a reason")
	}

	request, err := svc.RejectWithdrawalRequest(context.Background(), uuid.New(), "admin-1", "card number invalid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Status != domain.WithdrawalStatusRejected {
		t.Fatalf("expected rejected status, got %s", request.Status)
	}
	if repo.rejectReason != "card number invalid" {
		t.Fatalf("expected the reason to reach the store, got %q", repo.rejectReason)
	}
}

func TestCancelWithdrawal_DeletesProcessingRequest(t *testing.T) {
	repo := newWithdrawalStub()
	svc := newTestService(repo)

	if err := svc.CancelWithdrawalRequest(context.Background(), uuid.New(), "user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.deleteCalled {
		t.Fatal("expected the processing request to be deleted")
	}
}
