// README: Payment capture; cash is collected on delivery, card and wallet go through the gateway.
package payment

import (
	"context"
	"errors"

	"courierhub/internal/types"
)

type Status string

const (
	StatusCaptured Status = "captured"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
)

const (
	MethodCash   = "cash"
	MethodCard   = "card"
	MethodWallet = "wallet"
)

var (
	ErrDeclined          = errors.New("payment declined")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrGatewayMissing    = errors.New("payment gateway not configured")
)

type Charge struct {
	OrderID    types.ID
	CustomerID types.ID
	Method     string
	Amount     types.Money
}

type Result struct {
	Status    Status
	Reference string
}

// Processor captures a charge. Implementations must be safe to call with the same order id twice.
type Processor interface {
	Capture(ctx context.Context, ch Charge) (Result, error)
}

// Router picks the capture path for a charge by its payment method.
type Router struct {
	gateway Processor
}

func NewRouter(gateway Processor) *Router {
	return &Router{gateway: gateway}
}

func (r *Router) Capture(ctx context.Context, ch Charge) (Result, error) {
	switch ch.Method {
	case MethodCash:
		return Result{Status: StatusPending, Reference: "cash-" + string(ch.OrderID)}, nil
	case MethodCard, MethodWallet:
		if r.gateway == nil {
			return Result{Status: StatusFailed}, ErrGatewayMissing
		}
		return r.gateway.Capture(ctx, ch)
	default:
		return Result{Status: StatusFailed}, ErrUnsupportedMethod
	}
}

func ValidMethod(m string) bool {
	return m == MethodCash || m == MethodCard || m == MethodWallet
}
