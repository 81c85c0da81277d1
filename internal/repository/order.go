// Package repository 订单账本数据访问层
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	commonerrors "github.com/dualstore/saga/pkg/errors"
)

// OrderStatus 订单状态
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"
)

const defaultListLimit = 500

// Order 订单
type Order struct {
	ID         int64     `json:"id"`
	CustomerID string    `json:"customerId"`
	SKU        string    `json:"sku"`
	Quantity   int64     `json:"quantity"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS orders (
		id          BIGSERIAL PRIMARY KEY,
		customer_id TEXT        NOT NULL,
		sku         TEXT        NOT NULL,
		quantity    INTEGER     NOT NULL CHECK (quantity > 0),
		status      TEXT        NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders (created_at);
`

const insertOrderSQL = `
		INSERT INTO orders (customer_id, sku, quantity, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

const confirmOrderSQL = `
		UPDATE orders SET status = $1
		WHERE id = $2 AND status = $3
	`

const cancelOrderSQL = `
		UPDATE orders SET status = $1
		WHERE id = $2 AND status IN ($3, $4)
	`

const orderStatusSQL = `SELECT status FROM orders WHERE id = $1`

const selectOrderSQL = `
		SELECT id, customer_id, sku, quantity, status, created_at
		FROM orders
		WHERE id = $1
	`

const listOrdersSQL = `
		SELECT id, customer_id, sku, quantity, status, created_at
		FROM orders
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`

// OrderRepository 订单仓储，只负责单条记录的状态变更，不做业务决策
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// EnsureSchema 创建订单表（幂等）
func (r *OrderRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure orders schema: %w", err)
	}
	return nil
}

// CreatePendingOrder 创建 PENDING 订单，id 由数据库分配
func (r *OrderRepository) CreatePendingOrder(ctx context.Context, customerID, sku string, quantity int64) (*Order, error) {
	if quantity <= 0 {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "Quantity must be positive")
	}

	order := &Order{
		CustomerID: customerID,
		SKU:        sku,
		Quantity:   quantity,
		Status:     StatusPending,
	}
	err := r.db.QueryRowContext(ctx, insertOrderSQL, customerID, sku, quantity, StatusPending).
		Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, commonerrors.Wrap(commonerrors.CodeInvalidParam, "order rejected by ledger constraints", err)
		}
		return nil, unavailable("insert order", err)
	}
	return order, nil
}

// ConfirmOrder PENDING -> CONFIRMED；已确认视为成功
func (r *OrderRepository) ConfirmOrder(ctx context.Context, orderID int64) error {
	result, err := r.db.ExecContext(ctx, confirmOrderSQL, StatusConfirmed, orderID, StatusPending)
	if err != nil {
		return unavailable("confirm order", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("confirm order", err)
	}
	if rows > 0 {
		return nil
	}

	status, err := r.orderStatus(ctx, orderID)
	if err != nil {
		return err
	}
	switch status {
	case StatusConfirmed:
		return nil
	case StatusCancelled:
		return commonerrors.Newf(commonerrors.CodeOrderAlreadyCanceled, "order %d is already cancelled", orderID)
	default:
		return commonerrors.Newf(commonerrors.CodeInternal, "order %d has unexpected status %s", orderID, status)
	}
}

// CancelOrder PENDING/CONFIRMED -> CANCELLED；已取消视为成功，便于补偿重试
func (r *OrderRepository) CancelOrder(ctx context.Context, orderID int64) error {
	result, err := r.db.ExecContext(ctx, cancelOrderSQL, StatusCancelled, orderID, StatusPending, StatusConfirmed)
	if err != nil {
		return unavailable("cancel order", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("cancel order", err)
	}
	if rows > 0 {
		return nil
	}

	status, err := r.orderStatus(ctx, orderID)
	if err != nil {
		return err
	}
	if status == StatusCancelled {
		return nil
	}
	return commonerrors.Newf(commonerrors.CodeInternal, "order %d has unexpected status %s", orderID, status)
}

// GetOrder 获取订单
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	err := r.db.QueryRowContext(ctx, selectOrderSQL, orderID).
		Scan(&o.ID, &o.CustomerID, &o.SKU, &o.Quantity, &o.Status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderNotFound(orderID)
	}
	if err != nil {
		return nil, unavailable("query order", err)
	}
	return &o, nil
}

// ListOrders 按创建时间倒序列出最近的订单
func (r *OrderRepository) ListOrders(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, listOrdersSQL, limit)
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	defer rows.Close()

	orders := make([]*Order, 0)
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.SKU, &o.Quantity, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list orders", err)
	}
	return orders, nil
}

func (r *OrderRepository) orderStatus(ctx context.Context, orderID int64) (string, error) {
	var status string
	err := r.db.QueryRowContext(ctx, orderStatusSQL, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", orderNotFound(orderID)
	}
	if err != nil {
		return "", unavailable("query order status", err)
	}
	return status, nil
}

func orderNotFound(orderID int64) error {
	return commonerrors.Newf(commonerrors.CodeOrderNotFound, "order %d not found", orderID)
}

func unavailable(op string, err error) error {
	return commonerrors.Wrap(commonerrors.CodeUnavailable, "ledger unavailable: "+op, err)
}

// integrity_constraint_violation (class 23)
func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}
