package withdrawal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/notify"
)

// PollStatusRequest carries the long-poll parameters for pollStatus (§4.3,
// §4.7): the status the caller last observed and how long to wait for a
// change before returning the current status anyway.
type PollStatusRequest struct {
	OldState Status
	PollFor  time.Duration
}

// PollStatus subscribes to the withdrawal's notification key, reads the
// current status once, and if it still equals req.OldState waits up to
// req.PollFor for a change before reading once more (§4.3, §4.7). It
// always returns within req.PollFor plus one DB round-trip.
func (e *Engine) PollStatus(ctx context.Context, id uuid.UUID, req PollStatusRequest) (*Withdrawal, *bankerr.Error) {
	var berr *bankerr.Error
	w, _ := notify.Await(ctx, e.bus, notify.ChannelWithdrawalStatus, id.String(), req.PollFor, func() (*Withdrawal, bool) {
		var w *Withdrawal
		w, berr = e.load(ctx, id)
		if berr != nil || w == nil {
			return w, true // stop polling on error or a uuid that no longer exists
		}
		return w, w.Status() != req.OldState
	})
	if berr != nil {
		return nil, berr
	}
	if w == nil {
		return nil, bankerr.Precondition(bankerr.CodeUnknownOperation)
	}
	return w, nil
}

// PollInfo is pollInfo (§4.3): same long-poll mechanics as PollStatus, but
// the caller wants the withdrawal's full detail (selected exchange,
// reserve pub, amount) rather than just its status.
func (e *Engine) PollInfo(ctx context.Context, id uuid.UUID, req PollStatusRequest) (*Withdrawal, *bankerr.Error) {
	return e.PollStatus(ctx, id, req)
}
