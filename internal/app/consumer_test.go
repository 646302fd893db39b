package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
)

type consumerRepoStub struct {
	store.Repository

	upsertErr error

	upsertCalled bool
	upserted     *domain.Posting
	upsertItems  []domain.OrderItem

	accrued       bool
	batchCalled   bool
	reverseCalled bool
	reverseRatio  float64
	itemReturnSKU string
	itemReturnQty int

	statusErr      error
	statusUpdated  string
	statusPosting  string
	statusUpdCalls int
}

func (s *consumerRepoStub) UpsertPosting(ctx context.Context, p *domain.Posting, items []domain.OrderItem) error {
	s.upsertCalled = true
	s.upserted = p
	s.upsertItems = items
	return s.upsertErr
}

func (s *consumerRepoStub) HasAccrualForPosting(ctx context.Context, postingNumber string) (bool, error) {
	return s.accrued, nil
}

func (s *consumerRepoStub) FindPostingByNumber(ctx context.Context, postingNumber string) (*domain.Posting, error) {
	if s.upserted == nil {
		return nil, store.ErrPostingNotFound
	}
	return s.upserted, nil
}

func (s *consumerRepoStub) FindParticipantByOzonID(ctx context.Context, ozonID string) (*domain.Participant, error) {
	return &domain.Participant{
		OzonID:           ozonID,
		IsActive:         true,
		RegistrationDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (s *consumerRepoStub) GetBonusSettings(ctx context.Context) (*domain.BonusSettings, error) {
	return &domain.BonusSettings{MaxLevels: 3, Level0Percent: 1}, nil
}

func (s *consumerRepoStub) CreateBonusBatch(ctx context.Context, postingNumber string, bonuses []domain.BonusTransaction) (bool, error) {
	s.batchCalled = true
	return true, nil
}

func (s *consumerRepoStub) ReverseBonusesForPosting(ctx context.Context, postingNumber string, ratio float64, returnedAt time.Time) (int, int64, error) {
	s.reverseCalled = true
	s.reverseRatio = ratio
	return 1, 100, nil
}

func (s *consumerRepoStub) RecordItemReturn(ctx context.Context, postingNumber, sku string, returnedQuantity int) error {
	s.itemReturnSKU = sku
	s.itemReturnQty = returnedQuantity
	return nil
}

func (s *consumerRepoStub) UpdatePostingStatus(ctx context.Context, postingNumber, status string) error {
	s.statusUpdCalls++
	s.statusPosting = postingNumber
	s.statusUpdated = status
	return s.statusErr
}

func newTestConsumer(repo *consumerRepoStub) *PostingEventConsumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostingEventConsumer(newTestService(repo), logger)
}

func TestHandleDelivered_UpsertsAndAccrues(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newTestConsumer(repo)

	body := []byte(`{
		"posting_number": "0051-1234",
		"buyer_ozon_id": "buyer",
		"order_total": 100000,
		"created_at": "2025-06-01T10:00:00Z",
		"items": [{"sku": "sku-1", "name": "kettle", "price": 100000, "quantity": 1}]
	}`)
	if ack := consumer.HandleDelivered(body); !ack {
		t.Fatal("expected the delivery to be acked")
	}
	if !repo.upsertCalled {
		t.Fatal("expected the posting to be upserted")
	}
	if repo.upserted.Status != domain.PostingStatusDelivered {
		t.Fatalf("expected delivered status, got %s", repo.upserted.Status)
	}
	if len(repo.upsertItems) != 1 || repo.upsertItems[0].SKU != "sku-1" {
		t.Fatal("expected the item lines to be carried into the projection")
	}
	if !repo.batchCalled {
		t.Fatal("expected the accrual engine to run")
	}
}

func TestHandleDelivered_MalformedPayloadIsDropped(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newTestConsumer(repo)

	if ack := consumer.HandleDelivered([]byte(`{not json`)); !ack {
		t.Fatal("malformed payloads must be acked, not requeued")
	}
	if ack := consumer.HandleDelivered([]byte(`{"buyer_ozon_id": "buyer"}`)); !ack {
		t.Fatal("events without a posting number must be acked")
	}
	if repo.upsertCalled {
		t.Fatal("nothing should reach the store for malformed payloads")
	}
}

func TestHandleDelivered_StoreFailureRequeues(t *testing.T) {
	repo := &consumerRepoStub{upsertErr: errors.New("connection reset")}
	consumer := newTestConsumer(repo)

	body := []byte(`{"posting_number": "0051-1234", "buyer_ozon_id": "buyer", "order_total": 100000}`)
	if ack := consumer.HandleDelivered(body); ack {
		t.Fatal("a failed upsert must requeue the event")
	}
}

func TestHandleCancelled_UpsertsAndReverses(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newTestConsumer(repo)

	body := []byte(`{"posting_number": "0051-1234", "buyer_ozon_id": "buyer", "order_total": 100000}`)
	if ack := consumer.HandleCancelled(body); !ack {
		t.Fatal("expected the cancellation to be acked")
	}
	if repo.upserted.Status != domain.PostingStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", repo.upserted.Status)
	}
	if !repo.reverseCalled || repo.reverseRatio != 1.0 {
		t.Fatal("expected a full reversal for the cancelled posting")
	}
}

func TestHandleCancelled_SparseEventKeepsProjection(t *testing.T) {
	// A cancellation carrying only the posting number must not overwrite the
	// projected buyer and order total with zero values.
	repo := &consumerRepoStub{}
	consumer := newTestConsumer(repo)

	if ack := consumer.HandleCancelled([]byte(`{"posting_number": "0051-1234"}`)); !ack {
		t.Fatal("expected the sparse cancellation to be acked")
	}
	if repo.upsertCalled {
		t.Fatal("a sparse event must not upsert the posting")
	}
	if repo.statusUpdCalls != 1 || repo.statusUpdated != domain.PostingStatusCancelled || repo.statusPosting != "0051-1234" {
		t.Fatal("expected only the posting status to change")
	}
	if !repo.reverseCalled {
		t.Fatal("expected the reversal to run")
	}
}

func TestHandleCancelled_SparseEventForUnknownPostingStillReverses(t *testing.T) {
	repo := &consumerRepoStub{statusErr: store.ErrPostingNotFound}
	consumer := newTestConsumer(repo)

	if ack := consumer.HandleCancelled([]byte(`{"posting_number": "0051-9999"}`)); !ack {
		t.Fatal("an unknown posting must not requeue the cancellation")
	}
	if !repo.reverseCalled {
		t.Fatal("expected the ledger reversal to run anyway")
	}
}

func TestHandlePartialReturn_RecordsAndReverses(t *testing.T) {
	repo := &consumerRepoStub{
		upserted: &domain.Posting{PostingNumber: "0051-1234", Status: domain.PostingStatusDelivered, OrderTotal: 200000},
	}
	consumer := newTestConsumer(repo)

	body := []byte(`{"posting_number": "0051-1234", "sku": "sku-1", "returned_quantity": 1, "unit_price": 100000}`)
	if ack := consumer.HandlePartialReturn(body); !ack {
		t.Fatal("expected the partial return to be acked")
	}
	if repo.itemReturnSKU != "sku-1" || repo.itemReturnQty != 1 {
		t.Fatal("expected the returned quantity to be recorded")
	}
	if !repo.reverseCalled || repo.reverseRatio != 0.5 {
		t.Fatalf("expected a proportional reversal, got ratio %v", repo.reverseRatio)
	}
}

func TestHandlePartialReturn_MalformedPayloadIsDropped(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newTestConsumer(repo)

	if ack := consumer.HandlePartialReturn([]byte(`{"posting_number": "0051-1234", "returned_quantity": 0}`)); !ack {
		t.Fatal("a zero-quantity return must be acked and dropped")
	}
	if repo.reverseCalled {
		t.Fatal("nothing should be reversed for a malformed event")
	}
}
