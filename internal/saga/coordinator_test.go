package saga

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/dualstore/saga/internal/repository"
	"github.com/dualstore/saga/internal/sagalog"
	commonerrors "github.com/dualstore/saga/pkg/errors"
	"github.com/dualstore/saga/pkg/logger"
)

var errStoreDown = commonerrors.Wrap(commonerrors.CodeUnavailable, "ledger unavailable", errors.New("connection refused"))

type fakeLedger struct {
	mu         sync.Mutex
	nextID     int64
	orders     map[int64]*repository.Order
	createErr  error
	confirmErr error
	cancelErr  error
	cancels    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{orders: make(map[int64]*repository.Order)}
}

func (l *fakeLedger) CreatePendingOrder(ctx context.Context, customerID, sku string, quantity int64) (*repository.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return nil, l.createErr
	}
	l.nextID++
	o := &repository.Order{ID: l.nextID, CustomerID: customerID, SKU: sku, Quantity: quantity, Status: repository.StatusPending}
	l.orders[o.ID] = o
	return o, nil
}

func (l *fakeLedger) ConfirmOrder(ctx context.Context, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmErr != nil {
		return l.confirmErr
	}
	o, ok := l.orders[orderID]
	if !ok {
		return commonerrors.ErrOrderNotFound
	}
	if o.Status == repository.StatusCancelled {
		return commonerrors.ErrOrderAlreadyCanceled
	}
	o.Status = repository.StatusConfirmed
	return nil
}

func (l *fakeLedger) CancelOrder(ctx context.Context, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels++
	if l.cancelErr != nil {
		return l.cancelErr
	}
	o, ok := l.orders[orderID]
	if !ok {
		return commonerrors.ErrOrderNotFound
	}
	o.Status = repository.StatusCancelled
	return nil
}

func (l *fakeLedger) status(id int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.orders[id]; ok {
		return o.Status
	}
	return ""
}

type stock struct {
	available, reserved int64
}

type fakeInventory struct {
	mu         sync.Mutex
	items      map[string]*stock
	commitErr  error
	releaseErr error
	releases   int
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{items: map[string]*stock{
		"ITEM-001": {available: 100},
		"ITEM-002": {available: 50},
		"ITEM-003": {available: 10},
	}}
}

func (f *fakeInventory) Reserve(ctx context.Context, sku string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.items[sku]
	if !ok {
		return commonerrors.Newf(commonerrors.CodeSKUNotFound, "Product %s not found", sku)
	}
	if s.available < qty {
		return commonerrors.New(commonerrors.CodeInsufficientStock, "Insufficient stock")
	}
	s.available -= qty
	s.reserved += qty
	return nil
}

func (f *fakeInventory) Release(ctx context.Context, sku string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.releaseErr != nil {
		return f.releaseErr
	}
	s := f.items[sku]
	if s.reserved < qty {
		return commonerrors.ErrInsufficientReserved
	}
	s.available += qty
	s.reserved -= qty
	return nil
}

func (f *fakeInventory) Commit(ctx context.Context, sku string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	s := f.items[sku]
	if s.reserved < qty {
		return commonerrors.ErrInsufficientReserved
	}
	s.reserved -= qty
	return nil
}

func (f *fakeInventory) get(sku string) stock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[sku]
}

type logWrite struct {
	txID  string
	state sagalog.State
	ctx   sagalog.Context
}

type fakeLog struct {
	mu     sync.Mutex
	writes []logWrite
	// failAt lists 1-based write attempts that fail.
	failAt   map[int]bool
	attempts int
}

func (l *fakeLog) Record(ctx context.Context, txID string, state sagalog.State, c sagalog.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failAt[l.attempts] {
		return commonerrors.Wrap(commonerrors.CodeLogWriteFailure, "saga log write failed", errors.New("i/o timeout"))
	}
	l.writes = append(l.writes, logWrite{txID: txID, state: state, ctx: c})
	return nil
}

func (l *fakeLog) states() []sagalog.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sagalog.State, len(l.writes))
	for i, w := range l.writes {
		out[i] = w.state
	}
	return out
}

func (l *fakeLog) last() logWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes[len(l.writes)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	states   []string
	outcomes []*Result
}

func (n *fakeNotifier) PublishTransition(ctx context.Context, txID, state string, data interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return nil
}

func (n *fakeNotifier) PublishOutcome(ctx context.Context, txID string, outcome interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome.(*Result))
	return nil
}

type harness struct {
	ledger    *fakeLedger
	inventory *fakeInventory
	log       *fakeLog
	coord     *Coordinator
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		ledger:    newFakeLedger(),
		inventory: newFakeInventory(),
		log:       &fakeLog{},
	}
	seq := 0
	opts = append([]Option{WithIDGenerator(func() string {
		seq++
		return "tx-" + strconv.Itoa(seq)
	})}, opts...)
	h.coord = New(h.ledger, h.inventory, h.log, opts...)
	return h
}

func sameStates(got []sagalog.State, want ...sagalog.State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecuteCommits(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(WithNotifier(notifier))

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-1", SKU: "ITEM-001", Quantity: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Message != "Transaction completed successfully" || res.OrderID == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.State != sagalog.StateCommitted || res.TransactionID != "tx-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := h.ledger.status(*res.OrderID); got != repository.StatusConfirmed {
		t.Fatalf("order status = %s, want CONFIRMED", got)
	}
	if got := h.inventory.get("ITEM-001"); got.available != 95 || got.reserved != 0 {
		t.Fatalf("inventory = %+v, want {95 0}", got)
	}
	if states := h.log.states(); !sameStates(states, sagalog.StateStarted, sagalog.StateStarted, sagalog.StateCommitted) {
		t.Fatalf("log states = %v", states)
	}
	last := h.log.last()
	if last.txID != "tx-1" || last.ctx.OrderID == nil || *last.ctx.OrderID != *res.OrderID || last.ctx.Error != "" {
		t.Fatalf("unexpected final log entry: %+v", last)
	}
	if len(notifier.states) != 3 || notifier.states[2] != "COMMITTED" {
		t.Fatalf("notifier states = %v", notifier.states)
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0] != res {
		t.Fatalf("outcome not published once: %+v", notifier.outcomes)
	}
}

func TestExecuteInsufficientStockCompensates(t *testing.T) {
	h := newHarness()

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-2", SKU: "ITEM-003", Quantity: 15})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Message != "Insufficient stock" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.OrderID == nil || h.ledger.status(*res.OrderID) != repository.StatusCancelled {
		t.Fatalf("order was not cancelled: %+v", res)
	}
	if got := h.inventory.get("ITEM-003"); got.available != 10 || got.reserved != 0 {
		t.Fatalf("inventory = %+v, want {10 0}", got)
	}
	if h.inventory.releases != 0 {
		t.Fatalf("release called %d times for a reservation that never happened", h.inventory.releases)
	}
	states := h.log.states()
	if !sameStates(states, sagalog.StateStarted, sagalog.StateStarted, sagalog.StateCompensating, sagalog.StateCompensated) {
		t.Fatalf("log states = %v", states)
	}
	if got := h.log.last().ctx.Error; got != "Insufficient stock" {
		t.Fatalf("log context error = %q", got)
	}
}

func TestExecuteSimulatedFailureReleasesReservation(t *testing.T) {
	h := newHarness()

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-3", SKU: "ITEM-001", Quantity: 5, SimulateFailure: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.State != sagalog.StateCompensated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Message != "Simulated Failure triggered!" {
		t.Fatalf("message = %q", res.Message)
	}
	if h.ledger.status(*res.OrderID) != repository.StatusCancelled {
		t.Fatalf("order was not cancelled")
	}
	if got := h.inventory.get("ITEM-001"); got.available != 100 || got.reserved != 0 {
		t.Fatalf("inventory = %+v, want {100 0}", got)
	}
	if h.inventory.releases != 1 {
		t.Fatalf("release called %d times, want 1", h.inventory.releases)
	}
}

func TestExecuteUnknownSKU(t *testing.T) {
	h := newHarness()

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-4", SKU: "ITEM-999", Quantity: 1})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Message != "Product ITEM-999 not found" || res.State != sagalog.StateCompensated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.ledger.status(*res.OrderID) != repository.StatusCancelled {
		t.Fatalf("order was not cancelled")
	}
}

func TestExecuteCreateOrderFailureHasNothingToUndo(t *testing.T) {
	h := newHarness()
	h.ledger.createErr = errStoreDown

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-5", SKU: "ITEM-001", Quantity: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.OrderID != nil || res.State != sagalog.StateFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Message != "ledger unavailable" {
		t.Fatalf("message = %q", res.Message)
	}
	if h.ledger.cancels != 0 || h.inventory.releases != 0 {
		t.Fatalf("compensation ran: cancels=%d releases=%d", h.ledger.cancels, h.inventory.releases)
	}
	if states := h.log.states(); !sameStates(states, sagalog.StateStarted, sagalog.StateFailed) {
		t.Fatalf("log states = %v", states)
	}
	if got := h.inventory.get("ITEM-001"); got.available != 100 {
		t.Fatalf("inventory touched: %+v", got)
	}
}

func TestExecuteFinalizeFailureCompensates(t *testing.T) {
	h := newHarness()
	h.inventory.commitErr = commonerrors.Wrap(commonerrors.CodeUnavailable, "inventory unavailable: commit", errors.New("EOF"))

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-6", SKU: "ITEM-002", Quantity: 4})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.State != sagalog.StateCompensated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.ledger.status(*res.OrderID) != repository.StatusCancelled {
		t.Fatalf("confirmed order was not cancelled")
	}
	if got := h.inventory.get("ITEM-002"); got.available != 50 || got.reserved != 0 {
		t.Fatalf("inventory = %+v, want {50 0}", got)
	}
}

func TestExecuteCompensationFailureEndsFailed(t *testing.T) {
	h := newHarness()
	h.ledger.cancelErr = errStoreDown

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-7", SKU: "ITEM-001", Quantity: 5, SimulateFailure: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.State != sagalog.StateFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Message != "Simulated Failure triggered!" {
		t.Fatalf("caller must see the original error, got %q", res.Message)
	}
	// cancel failed, release must still have run
	if h.inventory.releases != 1 {
		t.Fatalf("release called %d times, want 1", h.inventory.releases)
	}
	if got := h.inventory.get("ITEM-001"); got.available != 100 || got.reserved != 0 {
		t.Fatalf("inventory = %+v, want {100 0}", got)
	}

	states := h.log.states()
	if !sameStates(states, sagalog.StateStarted, sagalog.StateStarted, sagalog.StateCompensating, sagalog.StateFailed) {
		t.Fatalf("log states = %v", states)
	}
	if ce := h.log.last().ctx.CompensationError; !strings.Contains(ce, "cancel order") {
		t.Fatalf("compensation error not recorded: %q", ce)
	}
}

func TestExecuteBothCompensationsFail(t *testing.T) {
	h := newHarness()
	h.ledger.cancelErr = errStoreDown
	h.inventory.releaseErr = commonerrors.ErrInsufficientReserved

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-8", SKU: "ITEM-001", Quantity: 1, SimulateFailure: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != sagalog.StateFailed {
		t.Fatalf("state = %s, want FAILED", res.State)
	}
	ce := h.log.last().ctx.CompensationError
	if !strings.Contains(ce, "cancel order") || !strings.Contains(ce, "release 1 of ITEM-001") {
		t.Fatalf("compensation error = %q", ce)
	}
}

func TestCompensateJoinsErrors(t *testing.T) {
	h := newHarness()
	h.ledger.cancelErr = errStoreDown
	h.inventory.releaseErr = commonerrors.ErrInsufficientReserved

	r := &run{
		c:                    h.coord,
		req:                  Request{CustomerID: "cust-8", SKU: "ITEM-001", Quantity: 1},
		txID:                 "tx-comp",
		log:                  logger.Nop(),
		orderID:              1,
		orderCreated:         true,
		reservationCompleted: true,
	}
	err := r.compensate(context.Background())
	if !errors.Is(err, commonerrors.ErrCompensationFailure) {
		t.Fatalf("expected COMPENSATION_FAILURE, got %v", err)
	}
	if !errors.Is(err, commonerrors.ErrInsufficientReserved) || !errors.Is(err, errStoreDown) {
		t.Fatalf("both causes must be kept: %v", err)
	}

	r.orderCreated, r.reservationCompleted = false, false
	if err := r.compensate(context.Background()); err != nil {
		t.Fatalf("nothing to undo, got %v", err)
	}
}

func TestExecuteLogWriteFailureIsNotFatal(t *testing.T) {
	h := newHarness()
	h.log.failAt = map[int]bool{1: true}

	res, err := h.coord.Execute(context.Background(), Request{CustomerID: "cust-9", SKU: "ITEM-001", Quantity: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.State != sagalog.StateCommitted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if states := h.log.states(); !sameStates(states, sagalog.StateStarted, sagalog.StateCommitted) {
		t.Fatalf("log states = %v", states)
	}
	if got := h.log.last().ctx.LogWriteError; !strings.HasPrefix(got, "STARTED:") {
		t.Fatalf("log write error not carried forward: %q", got)
	}
}

func TestExecuteValidation(t *testing.T) {
	h := newHarness()

	testCases := []struct {
		name string
		req  Request
	}{
		{name: "zero quantity", req: Request{CustomerID: "c", SKU: "ITEM-001", Quantity: 0}},
		{name: "negative quantity", req: Request{CustomerID: "c", SKU: "ITEM-001", Quantity: -1}},
		{name: "missing sku", req: Request{CustomerID: "c", Quantity: 1}},
		{name: "missing customer", req: Request{SKU: "ITEM-001", Quantity: 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.coord.Execute(context.Background(), tc.req)
			if !errors.Is(err, commonerrors.ErrInvalidParam) || res != nil {
				t.Fatalf("expected INVALID_PARAM, got res=%+v err=%v", res, err)
			}
		})
	}

	if len(h.log.states()) != 0 || len(h.ledger.orders) != 0 {
		t.Fatalf("validation failure had side effects")
	}
}

func TestExecuteSurvivesCallerCancellation(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.coord.Execute(ctx, Request{CustomerID: "cust-10", SKU: "ITEM-001", Quantity: 2, SimulateFailure: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != sagalog.StateCompensated {
		t.Fatalf("state = %s, want COMPENSATED", res.State)
	}
}

func TestConcurrentSagasNeverOversell(t *testing.T) {
	h := newHarness(WithIDGenerator(func() string { return "tx" }))

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan *Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.Execute(context.Background(), Request{
				CustomerID: "cust-" + strconv.Itoa(i),
				SKU:        "ITEM-003",
				Quantity:   3,
			})
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	committed := 0
	for res := range results {
		if res.Success {
			committed++
		} else if res.State != sagalog.StateCompensated {
			t.Fatalf("unexpected failed state %s", res.State)
		}
	}
	if committed != 3 {
		t.Fatalf("committed = %d, want 3", committed)
	}
	if got := h.inventory.get("ITEM-003"); got.available != 1 || got.reserved != 0 {
		t.Fatalf("inventory = %+v, want {1 0}", got)
	}
}
