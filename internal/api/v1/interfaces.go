package v1

import (
	"context"

	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/replay"
)

// HistoryReader returns the ordered replay sequence for a pair of cursors.
// *replay.Engine satisfies this interface.
type HistoryReader interface {
	History(ctx context.Context, cursors replay.Cursors) ([]domain.Envelope, error)
}
