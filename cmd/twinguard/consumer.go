package main

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/twinguard/internal/audit"
	"github.com/jmerrifield20/twinguard/internal/income"
	"github.com/jmerrifield20/twinguard/internal/metrics"
	"go.uber.org/zap"
)

type actionLogger interface {
	LogAction(ctx context.Context, action, status string) (*audit.Result, error)
}

// incomeConsumer waits for the income signal and acts on each income.
// Receiving clears the signal before the work starts, so an income raised
// while work is running is picked up on the next turn.
type incomeConsumer struct {
	signal   *income.Signal
	audit    actionLogger // nil = incomes are only logged
	decimals int
	logger   *zap.Logger
}

func (c *incomeConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-c.signal.C():
			c.handle(ctx, in)
		}
	}
}

func (c *incomeConsumer) handle(ctx context.Context, in income.Income) {
	amount := income.FormatUnits(in.Amount, c.decimals)
	c.logger.Info("income received",
		zap.String("from", in.From),
		zap.String("amount", amount),
		zap.Uint64("block", in.BlockNumber),
	)
	metrics.RecordIncome("consumed")
	if c.audit == nil {
		return
	}
	status := fmt.Sprintf("received %s from %s", amount, in.From)
	if _, err := c.audit.LogAction(ctx, "income", status); err != nil {
		c.logger.Error("logging income failed", zap.String("from", in.From), zap.Error(err))
	}
}
