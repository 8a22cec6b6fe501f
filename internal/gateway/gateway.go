package gateway

import (
	"context"
	"time"

	"tradefleet/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderSpec describes one order the live runtime wants executed.
type OrderSpec struct {
	Market    string          `json:"market"`
	Direction models.Direction `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

// TxHandle identifies a submitted order for later reconciliation.
type TxHandle struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Gateway is the transaction-submission dependency of the live runtime. The
// backtest path never touches it.
type Gateway interface {
	SubmitOrder(ctx context.Context, spec OrderSpec) (*TxHandle, error)
}

// PaperGateway accepts every order without routing it anywhere. It is the
// default for dry runs and paper credential profiles.
type PaperGateway struct {
	logger *zap.Logger
}

func NewPaperGateway(logger *zap.Logger) *PaperGateway {
	return &PaperGateway{logger: logger}
}

func (g *PaperGateway) SubmitOrder(ctx context.Context, spec OrderSpec) (*TxHandle, error) {
	handle := &TxHandle{ID: uuid.NewString(), SubmittedAt: time.Now()}
	g.logger.Sugar().Infof("Paper order %s: %s %s %s.", handle.ID, spec.Direction, spec.Size, spec.Market)
	return handle, nil
}
