package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/wistery/bonus-service/internal/domain"
	"github.com/wistery/bonus-service/internal/store"
)

// PostingEventConsumer handles posting lifecycle messages from the
// order-ingestion pipeline. Handlers return true to ack and false to requeue.
type PostingEventConsumer struct {
	service *Service
	logger  *slog.Logger
}

func NewPostingEventConsumer(service *Service, logger *slog.Logger) *PostingEventConsumer {
	return &PostingEventConsumer{service: service, logger: logger}
}

// Bindings maps routing keys to their handlers for ConsumeWithBindings.
func (c *PostingEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		"posting.status.delivered": c.HandleDelivered,
		"posting.status.cancelled": c.HandleCancelled,
		"posting.return.partial":   c.HandlePartialReturn,
	}
}

// HandleDelivered records the delivered posting and runs the accrual engine.
func (c *PostingEventConsumer) HandleDelivered(body []byte) bool {
	var event domain.PostingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("posting-consumer: failed to unmarshal delivered event", "error", err)
		return true
	}
	if event.PostingNumber == "" {
		c.logger.Error("posting-consumer: delivered event missing posting number")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.upsertPosting(ctx, event, domain.PostingStatusDelivered); err != nil {
		c.logger.Error("posting-consumer: delivered upsert failed",
			"posting_number", event.PostingNumber, "error", err)
		return false
	}

	result, err := c.service.AccruePostingBonuses(ctx, event.PostingNumber)
	if err != nil {
		c.logger.Error("posting-consumer: accrual failed",
			"posting_number", event.PostingNumber, "error", err)
		return false
	}
	if result.Skipped {
		c.logger.Info("posting-consumer: accrual skipped",
			"posting_number", event.PostingNumber, "reason", result.SkipReason)
	}
	return true
}

// HandleCancelled records the cancellation and voids all live bonuses.
func (c *PostingEventConsumer) HandleCancelled(body []byte) bool {
	var event domain.PostingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("posting-consumer: failed to unmarshal cancelled event", "error", err)
		return true
	}
	if event.PostingNumber == "" {
		c.logger.Error("posting-consumer: cancelled event missing posting number")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// A sparse cancellation carries only the posting number; a full upsert
	// would clobber the projected buyer and order total.
	if event.BuyerOzonID == "" && event.OrderTotal == 0 {
		if err := c.service.repo.UpdatePostingStatus(ctx, event.PostingNumber, domain.PostingStatusCancelled); err != nil {
			if !errors.Is(err, store.ErrPostingNotFound) {
				c.logger.Error("posting-consumer: cancelled status update failed",
					"posting_number", event.PostingNumber, "error", err)
				return false
			}
			c.logger.Warn("posting-consumer: cancellation for unknown posting",
				"posting_number", event.PostingNumber)
		}
	} else if err := c.upsertPosting(ctx, event, domain.PostingStatusCancelled); err != nil {
		c.logger.Error("posting-consumer: cancelled upsert failed",
			"posting_number", event.PostingNumber, "error", err)
		return false
	}

	if _, _, err := c.service.ReverseOrderBonuses(ctx, event.PostingNumber, nil); err != nil {
		c.logger.Error("posting-consumer: reversal failed",
			"posting_number", event.PostingNumber, "error", err)
		return false
	}
	return true
}

// HandlePartialReturn voids the returned fraction of the posting's bonuses.
func (c *PostingEventConsumer) HandlePartialReturn(body []byte) bool {
	var event domain.PartialReturnEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("posting-consumer: failed to unmarshal partial return event", "error", err)
		return true
	}
	if event.PostingNumber == "" || event.ReturnedQuantity <= 0 {
		c.logger.Error("posting-consumer: malformed partial return event",
			"posting_number", event.PostingNumber, "returned_quantity", event.ReturnedQuantity)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, _, err := c.service.ReversePartialReturn(ctx, event); err != nil {
		c.logger.Error("posting-consumer: partial reversal failed",
			"posting_number", event.PostingNumber, "sku", event.SKU, "error", err)
		return false
	}
	return true
}

func (c *PostingEventConsumer) upsertPosting(ctx context.Context, event domain.PostingEvent, status string) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	posting := &domain.Posting{
		PostingNumber: event.PostingNumber,
		BuyerOzonID:   event.BuyerOzonID,
		Status:        status,
		OrderTotal:    event.OrderTotal,
		Cabinet:       event.Cabinet,
		CreatedAt:     createdAt,
	}
	items := make([]domain.OrderItem, 0, len(event.Items))
	for _, item := range event.Items {
		items = append(items, domain.OrderItem{
			PostingNumber: event.PostingNumber,
			SKU:           item.SKU,
			Name:          item.Name,
			Price:         item.Price,
			Quantity:      item.Quantity,
		})
	}
	return c.service.repo.UpsertPosting(ctx, posting, items)
}
