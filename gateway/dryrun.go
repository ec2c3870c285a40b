package gateway

import (
	"context"

	"go.uber.org/zap"

	"market-maker-core/order"
)

// DryRun 只记录指令不触达交易所；内部用 Paper 保持挂单视图，
// 使对账看到的挂单与本地登记簿一致。
type DryRun struct {
	book   *Paper
	logger *zap.Logger
}

func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{book: NewPaper(PaperConfig{}), logger: logger}
}

func (d *DryRun) PlaceLimitOrder(ctx context.Context, req PlaceRequest) (string, error) {
	id, err := d.book.PlaceLimitOrder(ctx, req)
	d.logger.Info("dry-run place",
		zap.String("clientId", req.ClientID),
		zap.String("side", string(req.Side)),
		zap.Float64("price", req.Price),
		zap.Float64("size", req.Size),
		zap.Bool("postOnly", req.PostOnly),
		zap.String("orderId", id),
	)
	return id, err
}

func (d *DryRun) CancelOrder(ctx context.Context, orderID string) error {
	d.logger.Info("dry-run cancel", zap.String("orderId", orderID))
	return d.book.CancelOrder(ctx, orderID)
}

func (d *DryRun) CancelAll(ctx context.Context, symbol string) error {
	d.logger.Info("dry-run cancel all", zap.String("symbol", symbol))
	return d.book.CancelAll(ctx, symbol)
}

func (d *DryRun) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	return d.book.FetchOpenOrders(ctx, symbol)
}
