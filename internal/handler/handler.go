// Package handler exposes the saga coordinator over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dualstore/saga/internal/inventory"
	"github.com/dualstore/saga/internal/repository"
	"github.com/dualstore/saga/internal/saga"
	"github.com/dualstore/saga/internal/sagalog"
	commonerrors "github.com/dualstore/saga/pkg/errors"
	"github.com/dualstore/saga/pkg/logger"
	"github.com/dualstore/saga/pkg/response"
)

const (
	statusSuccess = "SUCCESS"
	statusFailed  = "FAILED"

	stateOrderLimit = 500
	stateLogLimit   = 500
)

// Executor runs one saga.
type Executor interface {
	Execute(ctx context.Context, req saga.Request) (*saga.Result, error)
}

// OrderReader 订单只读接口
type OrderReader interface {
	ListOrders(ctx context.Context, limit int) ([]*repository.Order, error)
}

// InventoryAdmin 库存读取与重置
type InventoryAdmin interface {
	List(ctx context.Context) ([]*inventory.Item, error)
	Seed(ctx context.Context, items []inventory.Item) error
}

// SagaLogReader 日志查询与重置
type SagaLogReader interface {
	Get(ctx context.Context, txID string) (*sagalog.Entry, error)
	Query(ctx context.Context, f sagalog.Filter) ([]*sagalog.Entry, error)
	Reset(ctx context.Context) error
}

// Config 配置
type Config struct {
	Executor  Executor
	Orders    OrderReader
	Inventory InventoryAdmin
	SagaLog   SagaLogReader
	SeedItems []inventory.Item
	Logger    *logger.Logger
}

type Handler struct {
	executor  Executor
	orders    OrderReader
	inventory InventoryAdmin
	sagaLog   SagaLogReader
	seedItems []inventory.Item
	log       *logger.Logger
}

// TransactionRequest is the body of POST /api/transactions.
type TransactionRequest struct {
	CustomerID      string `json:"customerId"`
	SKU             string `json:"sku"`
	Quantity        int64  `json:"quantity"`
	SimulateFailure bool   `json:"simulateFailure"`
}

// TransactionResponse reports the saga outcome. A failed saga is still a 200.
type TransactionResponse struct {
	TransactionID string        `json:"transactionId"`
	Status        string        `json:"status"`
	State         sagalog.State `json:"state"`
	OrderID       *int64        `json:"orderId,omitempty"`
	Message       string        `json:"message"`
}

// SystemState is the body of GET /api/system/state.
type SystemState struct {
	Orders    []*repository.Order `json:"orders"`
	Inventory []*inventory.Item   `json:"inventory"`
	SagaLogs  []*sagalog.Entry    `json:"sagaLogs"`
}

func New(cfg *Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	seed := cfg.SeedItems
	if len(seed) == 0 {
		seed = inventory.DefaultSeed()
	}
	return &Handler{
		executor:  cfg.Executor,
		orders:    cfg.Orders,
		inventory: cfg.Inventory,
		sagaLog:   cfg.SagaLog,
		seedItems: seed,
		log:       log,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		h.createTransaction(w, r)
	})

	// 按 txId 查看单个 saga
	mux.HandleFunc("/api/transactions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r)
			return
		}
		h.getTransaction(w, r)
	})

	mux.HandleFunc("/api/system/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r)
			return
		}
		h.systemState(w, r)
	})

	mux.HandleFunc("/api/system/seed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		h.seed(w, r)
	})
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid request body: "+err.Error())
		return
	}

	res, err := h.executor.Execute(r.Context(), saga.Request{
		CustomerID:      req.CustomerID,
		SKU:             req.SKU,
		Quantity:        req.Quantity,
		SimulateFailure: req.SimulateFailure,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := statusFailed
	if res.Success {
		status = statusSuccess
	}
	response.WriteJSON(w, http.StatusOK, TransactionResponse{
		TransactionID: res.TransactionID,
		Status:        status,
		State:         res.State,
		OrderID:       res.OrderID,
		Message:       res.Message,
	})
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	txID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transactions/"), "/")
	if txID == "" {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "transaction id required")
		return
	}
	entry, err := h.sagaLog.Get(r.Context(), txID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) systemState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orders, err := h.orders.ListOrders(ctx, stateOrderLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.inventory.List(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.sagaLog.Query(ctx, sagalog.Filter{Limit: stateLogLimit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, SystemState{
		Orders:    orders,
		Inventory: items,
		SagaLogs:  logs,
	})
}

// seed resets inventory and the saga log. Orders are kept.
func (h *Handler) seed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.inventory.Seed(ctx, h.seedItems); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sagaLog.Reset(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Infof("system seeded", map[string]interface{}{"skus": len(h.seedItems)})
	response.WriteJSON(w, http.StatusOK, map[string]string{"message": "System seeded successfully"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *commonerrors.Error
	if errors.As(err, &appErr) {
		if appErr.HTTPStatus() >= http.StatusInternalServerError {
			h.log.WithError(err).Errorf("request failed", map[string]interface{}{"path": r.URL.Path})
		}
		response.WriteError(w, r, appErr)
		return
	}
	h.log.WithError(err).Errorf("request failed", map[string]interface{}{"path": r.URL.Path})
	response.WriteErrorCode(w, r, commonerrors.CodeInternal, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", allowFor(r.URL.Path))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func allowFor(path string) string {
	switch path {
	case "/api/transactions", "/api/system/seed":
		return http.MethodPost
	}
	return http.MethodGet
}
