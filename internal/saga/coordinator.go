// Package saga drives the place-order saga across the order ledger and the
// inventory store. Forward steps are create order, reserve stock, confirm
// order and commit stock; a failure undoes exactly the steps that completed.
package saga

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dualstore/saga/internal/metrics"
	"github.com/dualstore/saga/internal/repository"
	"github.com/dualstore/saga/internal/sagalog"
	commonerrors "github.com/dualstore/saga/pkg/errors"
	"github.com/dualstore/saga/pkg/logger"
	"github.com/dualstore/saga/pkg/tracing"
)

const successMessage = "Transaction completed successfully"

var errSimulatedFailure = commonerrors.New(commonerrors.CodeInternal, "Simulated Failure triggered!")

// Ledger is the relational order store.
type Ledger interface {
	CreatePendingOrder(ctx context.Context, customerID, sku string, quantity int64) (*repository.Order, error)
	ConfirmOrder(ctx context.Context, orderID int64) error
	CancelOrder(ctx context.Context, orderID int64) error
}

// Inventory is the document store holding stock counts.
type Inventory interface {
	Reserve(ctx context.Context, sku string, qty int64) error
	Release(ctx context.Context, sku string, qty int64) error
	Commit(ctx context.Context, sku string, qty int64) error
}

// Log persists saga transitions.
type Log interface {
	Record(ctx context.Context, txID string, state sagalog.State, c sagalog.Context) error
}

// Notifier receives every transition that reached the log, then the final
// result. Best effort.
type Notifier interface {
	PublishTransition(ctx context.Context, txID, state string, data interface{}) error
	PublishOutcome(ctx context.Context, txID string, outcome interface{}) error
}

// Request is one order intent.
type Request struct {
	CustomerID      string `json:"customerId"`
	SKU             string `json:"sku"`
	Quantity        int64  `json:"quantity"`
	SimulateFailure bool   `json:"simulateFailure"`
}

// Result is the definitive outcome of one saga.
type Result struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	OrderID       *int64        `json:"orderId,omitempty"`
	TransactionID string        `json:"transactionId"`
	State         sagalog.State `json:"state"`
}

// Coordinator holds the injected stores; it never opens or closes them.
type Coordinator struct {
	ledger    Ledger
	inventory Inventory
	log       Log

	logger   *logger.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	newID    func() string
	now      func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithIDGenerator overrides uuid transaction ids.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func New(ledger Ledger, inventory Inventory, log Log, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    ledger,
		inventory: inventory,
		log:       log,
		logger:    logger.Nop(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs one saga to a terminal state. The returned error is only set
// for a rejected request; every business outcome is reported in Result.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// 调用方断开后 saga 仍需走到终态
	ctx = context.WithoutCancel(ctx)
	txID := c.newID()
	ctx = logger.ContextWithTxID(ctx, txID)
	ctx, span := tracing.StartSpan(ctx, "saga.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.tx_id", txID),
		attribute.String("saga.sku", req.SKU),
		attribute.Int64("saga.quantity", req.Quantity),
	)

	start := c.now()
	c.metrics.SagaStarted()

	r := &run{
		c:    c,
		req:  req,
		txID: txID,
		log:  c.logger.WithContext(ctx),
		entry: sagalog.Context{
			CustomerID: req.CustomerID,
			SKU:        req.SKU,
			Quantity:   req.Quantity,
		},
	}
	r.log.Infof("saga started", map[string]interface{}{
		"customerId":      req.CustomerID,
		"sku":             req.SKU,
		"quantity":        req.Quantity,
		"simulateFailure": req.SimulateFailure,
	})
	r.record(ctx, sagalog.StateStarted)

	res := r.forward(ctx)

	c.metrics.SagaFinished(string(res.State), c.now().Sub(start))
	span.SetAttributes(attribute.String("saga.state", string(res.State)))
	if c.notifier != nil {
		if err := c.notifier.PublishOutcome(ctx, txID, res); err != nil {
			r.log.WithError(err).Warn("publish saga outcome failed")
		}
	}
	return res, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "customerId is required")
	}
	if strings.TrimSpace(req.SKU) == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "sku is required")
	}
	if req.Quantity <= 0 {
		return commonerrors.New(commonerrors.CodeInvalidParam, "quantity must be a positive integer")
	}
	return nil
}

// run is the state of one saga. orderCreated and reservationCompleted are set
// the moment the step returns success and are the only input to compensation.
type run struct {
	c     *Coordinator
	req   Request
	txID  string
	log   *logger.Logger
	entry sagalog.Context

	orderID              int64
	orderCreated         bool
	reservationCompleted bool
}

func (r *run) forward(ctx context.Context) *Result {
	var order *repository.Order
	err := r.step(ctx, "create_order", func(ctx context.Context) error {
		var err error
		order, err = r.c.ledger.CreatePendingOrder(ctx, r.req.CustomerID, r.req.SKU, r.req.Quantity)
		return err
	})
	if err != nil {
		return r.fail(ctx, "create_order", err)
	}
	r.orderCreated = true
	r.orderID = order.ID
	r.entry.OrderID = r.orderIDPtr()
	r.record(ctx, sagalog.StateStarted)

	err = r.step(ctx, "reserve_stock", func(ctx context.Context) error {
		return r.c.inventory.Reserve(ctx, r.req.SKU, r.req.Quantity)
	})
	if err != nil {
		return r.fail(ctx, "reserve_stock", err)
	}
	r.reservationCompleted = true

	if r.req.SimulateFailure {
		return r.fail(ctx, "simulated", errSimulatedFailure)
	}

	err = r.step(ctx, "confirm_order", func(ctx context.Context) error {
		return r.c.ledger.ConfirmOrder(ctx, r.orderID)
	})
	if err != nil {
		return r.fail(ctx, "confirm_order", err)
	}

	err = r.step(ctx, "commit_stock", func(ctx context.Context) error {
		return r.c.inventory.Commit(ctx, r.req.SKU, r.req.Quantity)
	})
	if err != nil {
		return r.fail(ctx, "commit_stock", err)
	}

	r.record(ctx, sagalog.StateCommitted)
	r.log.Infof("saga committed", map[string]interface{}{"orderId": r.orderID})
	return &Result{
		Success:       true,
		Message:       successMessage,
		OrderID:       r.orderIDPtr(),
		TransactionID: r.txID,
		State:         sagalog.StateCommitted,
	}
}

func (r *run) step(ctx context.Context, name string, fn func(context.Context) error) error {
	stepCtx, span := tracing.StartSpan(ctx, "saga."+name)
	defer span.End()

	err := fn(stepCtx)
	if err != nil {
		tracing.SetError(stepCtx, err)
		return err
	}
	tracing.AddEvent(stepCtx, name+".done")
	r.log.Debug(name + " done")
	return nil
}

// fail ends the saga. With nothing completed there is nothing to undo and the
// entry goes straight to FAILED.
func (r *run) fail(ctx context.Context, step string, cause error) *Result {
	r.c.metrics.IncStepError(step, string(commonerrors.CodeOf(cause)))
	tracing.SetError(ctx, cause)
	r.log.WithError(cause).Warnf("saga step failed", map[string]interface{}{
		"step":                 step,
		"orderCreated":         r.orderCreated,
		"reservationCompleted": r.reservationCompleted,
	})

	message := commonerrors.MessageOf(cause)
	r.entry.Error = message
	res := &Result{
		Success:       false,
		Message:       message,
		TransactionID: r.txID,
	}
	if r.orderCreated {
		res.OrderID = r.orderIDPtr()
	}

	if !r.orderCreated && !r.reservationCompleted {
		r.record(ctx, sagalog.StateFailed)
		res.State = sagalog.StateFailed
		return res
	}

	r.record(ctx, sagalog.StateCompensating)
	if err := r.compensate(ctx); err != nil {
		r.entry.CompensationError = err.Error()
		r.record(ctx, sagalog.StateFailed)
		r.log.WithError(err).Error("saga compensation failed, operator action required")
		res.State = sagalog.StateFailed
		return res
	}

	r.record(ctx, sagalog.StateCompensated)
	r.log.Info("saga compensated")
	res.State = sagalog.StateCompensated
	return res
}

// compensate cancels the order, then releases the reservation. Each action
// runs even if the previous one failed.
func (r *run) compensate(ctx context.Context) error {
	var errs []error

	if r.orderCreated {
		err := r.step(ctx, "cancel_order", func(ctx context.Context) error {
			return r.c.ledger.CancelOrder(ctx, r.orderID)
		})
		r.c.metrics.IncCompensation("cancel_order", err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel order %d: %w", r.orderID, err))
		}
	}

	if r.reservationCompleted {
		err := r.step(ctx, "release_stock", func(ctx context.Context) error {
			return r.c.inventory.Release(ctx, r.req.SKU, r.req.Quantity)
		})
		r.c.metrics.IncCompensation("release_stock", err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %d of %s: %w", r.req.Quantity, r.req.SKU, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return commonerrors.Wrap(commonerrors.CodeCompensationFailure, "compensation failed", stderrors.Join(errs...))
}

// record writes the current state. A failed write never stops the saga; the
// error is counted and carried into the context of later writes.
func (r *run) record(ctx context.Context, state sagalog.State) {
	if err := r.c.log.Record(ctx, r.txID, state, r.entry); err != nil {
		r.c.metrics.IncLogWriteFailure()
		r.log.WithError(err).Warnf("saga log write failed", map[string]interface{}{"state": string(state)})
		r.entry.LogWriteError = fmt.Sprintf("%s: %s", state, commonerrors.MessageOf(err))
		return
	}
	r.log.Infof("saga transition", map[string]interface{}{"state": string(state)})

	if r.c.notifier == nil {
		return
	}
	if err := r.c.notifier.PublishTransition(ctx, r.txID, string(state), r.entry); err != nil {
		r.log.WithError(err).Warn("publish saga transition failed")
	}
}

func (r *run) orderIDPtr() *int64 {
	id := r.orderID
	return &id
}
