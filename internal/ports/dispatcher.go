package ports

import (
	"context"

	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

// LoggingDispatcher is the reference SettlementDispatcher: it marks
// dispatch accepted immediately and logs the batch. Real deployments
// swap this for an adapter onto their actual payment/ledger system;
// spec.md's explicit Non-goal excludes that system from this engine.
type LoggingDispatcher struct {
	logger *observability.Logger
}

func NewLoggingDispatcher(logger *observability.Logger) *LoggingDispatcher {
	return &LoggingDispatcher{logger: logger}
}

func (d *LoggingDispatcher) Dispatch(ctx context.Context, epoch *domain.Epoch, settlements []*domain.Settlement) error {
	d.logger.Info(ctx, "Dispatching epoch settlements", map[string]interface{}{
		"epoch_number": epoch.EpochNumber,
		"count":        len(settlements),
	})
	return nil
}
