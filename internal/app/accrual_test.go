package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
)

type accrualRepoStub struct {
	store.Repository

	accrued      bool
	posting      *domain.Posting
	postingErr   error
	participants map[string]*domain.Participant
	settings     *domain.BonusSettings
	batchCreated bool
	batchErr     error

	batchCalled  bool
	batchPosting string
	batchRows    []domain.BonusTransaction
}

func (s *accrualRepoStub) HasAccrualForPosting(ctx context.Context, postingNumber string) (bool, error) {
	return s.accrued, nil
}

func (s *accrualRepoStub) FindPostingByNumber(ctx context.Context, postingNumber string) (*domain.Posting, error) {
	if s.postingErr != nil {
		return nil, s.postingErr
	}
	if s.posting == nil {
		return nil, store.ErrPostingNotFound
	}
	return s.posting, nil
}

func (s *accrualRepoStub) FindParticipantByOzonID(ctx context.Context, ozonID string) (*domain.Participant, error) {
	p, ok := s.participants[ozonID]
	if !ok {
		return nil, store.ErrParticipantNotFound
	}
	return p, nil
}

func (s *accrualRepoStub) GetBonusSettings(ctx context.Context) (*domain.BonusSettings, error) {
	return s.settings, nil
}

func (s *accrualRepoStub) CreateBonusBatch(ctx context.Context, postingNumber string, bonuses []domain.BonusTransaction) (bool, error) {
	s.batchCalled = true
	s.batchPosting = postingNumber
	s.batchRows = bonuses
	if s.batchErr != nil {
		return false, s.batchErr
	}
	return s.batchCreated, nil
}

func defaultSettings() *domain.BonusSettings {
	return &domain.BonusSettings{
		MaxLevels:     3,
		Level0Percent: 1,
		Level1Percent: 5,
		Level2Percent: 3,
		Level3Percent: 1,
	}
}

func newAccrualStub() *accrualRepoStub {
	registered := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &accrualRepoStub{
		batchCreated: true,
		settings:     defaultSettings(),
		posting: &domain.Posting{
			PostingNumber: "0051-1234",
			BuyerOzonID:   "buyer",
			Status:        domain.PostingStatusDelivered,
			OrderTotal:    100000,
			CreatedAt:     registered.AddDate(0, 3, 0),
		},
		participants: map[string]*domain.Participant{
			"buyer":       participant("buyer", ref("parent"), true, registered),
			"parent":      participant("parent", ref("grandparent"), true, registered),
			"grandparent": participant("grandparent", ref("great"), true, registered),
			"great":       participant("great", nil, true, registered),
		},
	}
}

func expectSkip(t *testing.T, result *domain.AccrualResult, err error, reason string) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected a skipped result")
	}
	if result.SkipReason != reason {
		t.Fatalf("expected skip reason %q, got %q", reason, result.SkipReason)
	}
}

func TestAccrue_FullChainBatch(t *testing.T) {
	repo := newAccrualStub()
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped {
		t.Fatalf("unexpected skip: %s", result.SkipReason)
	}
	if !repo.batchCalled || repo.batchPosting != "0051-1234" {
		t.Fatal("expected a bonus batch for the posting")
	}

	// Order of 100000 kopecks: self 1%, parent 5%, grandparent 3%, great 1%.
	if result.Accrued != 4 {
		t.Fatalf("expected 4 bonus rows, got %d", result.Accrued)
	}
	if result.TotalAmount != 10000 {
		t.Fatalf("expected total of 10000 kopecks, got %d", result.TotalAmount)
	}
	want := []struct {
		beneficiary string
		level       int
		amount      int64
	}{
		{"buyer", 0, 1000},
		{"parent", 1, 5000},
		{"grandparent", 2, 3000},
		{"great", 3, 1000},
	}
	for i, w := range want {
		row := repo.batchRows[i]
		if row.ReferrerOzonID != w.beneficiary || row.Level != w.level || row.BonusAmount != w.amount {
			t.Fatalf("row %d: expected %s level %d amount %d, got %s level %d amount %d",
				i, w.beneficiary, w.level, w.amount, row.ReferrerOzonID, row.Level, row.BonusAmount)
		}
		if row.Status != domain.BonusStatusFrozen {
			t.Fatalf("row %d: expected frozen status, got %s", i, row.Status)
		}
		if row.ReferralOzonID != "buyer" {
			t.Fatalf("row %d: expected referral buyer, got %s", i, row.ReferralOzonID)
		}
	}
}

func TestAccrue_SkipsWhenMarkerExists(t *testing.T) {
	repo := newAccrualStub()
	repo.accrued = true
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipAlreadyAccrued)
	if repo.batchCalled {
		t.Fatal("batch must not be attempted for an accrued posting")
	}
}

func TestAccrue_SkipsUndeliveredPosting(t *testing.T) {
	repo := newAccrualStub()
	repo.posting.Status = "awaiting_deliver"
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipNotDelivered)
}

func TestAccrue_SkipsUnknownPosting(t *testing.T) {
	repo := newAccrualStub()
	repo.posting = nil
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "missing")
	expectSkip(t, result, err, SkipNotDelivered)
}

func TestAccrue_SkipsUnregisteredBuyer(t *testing.T) {
	repo := newAccrualStub()
	delete(repo.participants, "buyer")
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipBuyerNotFound)
}

func TestAccrue_SkipsInactiveBuyer(t *testing.T) {
	repo := newAccrualStub()
	repo.participants["buyer"].IsActive = false
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipBuyerInactive)
}

func TestAccrue_SkipsOrderBeforeRegistration(t *testing.T) {
	repo := newAccrualStub()
	repo.posting.CreatedAt = repo.participants["buyer"].RegistrationDate.AddDate(0, 0, -1)
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipBeforeSignup)
}

func TestAccrue_SkipsZeroOrderTotal(t *testing.T) {
	repo := newAccrualStub()
	repo.posting.OrderTotal = 0
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipZeroTotal)
}

func TestAccrue_NoSelfBonusWhenLevelZeroDisabled(t *testing.T) {
	repo := newAccrualStub()
	repo.settings.Level0Percent = 0
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accrued != 3 {
		t.Fatalf("expected 3 rows without the self bonus, got %d", result.Accrued)
	}
	for _, row := range repo.batchRows {
		if row.Level == 0 {
			t.Fatal("unexpected level 0 row with a disabled self bonus")
		}
	}
}

func TestAccrue_EmptyBatchStillWritesMarker(t *testing.T) {
	repo := newAccrualStub()
	repo.settings = &domain.BonusSettings{MaxLevels: 3}
	repo.participants["buyer"].ReferrerID = nil
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped {
		t.Fatalf("unexpected skip: %s", result.SkipReason)
	}
	if result.Accrued != 0 {
		t.Fatalf("expected no rows, got %d", result.Accrued)
	}
	if !repo.batchCalled {
		t.Fatal("the marker must be written even for an empty batch")
	}
	if len(repo.batchRows) != 0 {
		t.Fatalf("expected an empty batch, got %d rows", len(repo.batchRows))
	}
}

func TestAccrue_LostMarkerRaceReportsAlreadyAccrued(t *testing.T) {
	repo := newAccrualStub()
	repo.batchCreated = false
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipAlreadyAccrued)
}

func TestAccrue_StoreFailureIsSkippedNotFatal(t *testing.T) {
	repo := newAccrualStub()
	repo.batchErr = errors.New("connection reset")
	svc := newTestService(repo)

	result, err := svc.AccruePostingBonuses(context.Background(), "0051-1234")
	expectSkip(t, result, err, SkipStoreUnavailable)
}

func TestBonusAmountRounding(t *testing.T) {
	cases := []struct {
		orderSum int64
		percent  float64
		want     int64
	}{
		{100000, 5, 5000},
		{99999, 5, 5000},  // 4999.95 rounds up
		{30, 5, 2},        // 1.5 rounds half away from zero
		{1010, 2.5, 25},   // 25.25 rounds down
		{1, 1, 0},
		{0, 5, 0},
	}
	for _, c := range cases {
		if got := bonusAmount(c.orderSum, c.percent); got != c.want {
			t.Fatalf("bonusAmount(%d, %v) = %d, expected %d", c.orderSum, c.percent, got, c.want)
		}
	}
}
