package domain

import "time"

// Posting is the service's projection of one marketplace shipment, maintained
// from the order event feed. PostingNumber is the natural key.
type Posting struct {
	PostingNumber string    `json:"posting_number"`
	BuyerOzonID   string    `json:"buyer_ozon_id"`
	Status        string    `json:"status"`
	OrderTotal    int64     `json:"order_total"` // in kopecks, items plus delivery
	Cabinet       string    `json:"cabinet,omitempty"`
	CreatedAt     time.Time `json:"created_at"` // order placement time
	SyncTime      time.Time `json:"sync_time"`
}

// OrderItem is one SKU line of a posting. ReturnedQuantity accumulates across
// partial returns.
type OrderItem struct {
	PostingNumber    string `json:"posting_number"`
	SKU              string `json:"sku"`
	Name             string `json:"name"`
	Price            int64  `json:"price"` // in kopecks, per unit
	Quantity         int    `json:"quantity"`
	ReturnedQuantity int    `json:"returned_quantity"`
}

// PostingEvent is the message body published by the order-ingestion pipeline
// on posting lifecycle changes.
type PostingEvent struct {
	PostingNumber string           `json:"posting_number"`
	BuyerOzonID   string           `json:"buyer_ozon_id"`
	Status        string           `json:"status"`
	OrderTotal    int64            `json:"order_total"` // in kopecks
	Cabinet       string           `json:"cabinet,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Items         []OrderItemEvent `json:"items,omitempty"`
}

// OrderItemEvent is one item line inside a PostingEvent.
type OrderItemEvent struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Price    int64  `json:"price"` // in kopecks
	Quantity int    `json:"quantity"`
}

// PartialReturnEvent is published when some units of a posting come back.
type PartialReturnEvent struct {
	PostingNumber    string `json:"posting_number"`
	SKU              string `json:"sku"`
	ReturnedQuantity int    `json:"returned_quantity"`
	UnitPrice        int64  `json:"unit_price"` // in kopecks
}
