// Package notify implements the notification bus (component C10): a
// Postgres LISTEN/NOTIFY fan-out with a reference-counted subscriber map,
// and the long-poll integration helper every read-with-poll endpoint uses.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Channel names the four Postgres NOTIFY channels the bank core's
// writers publish on via pg_notify (§5, §4.7).
type Channel string

const (
	ChannelBankTx           Channel = "bank_tx"
	ChannelOutgoingTx       Channel = "outgoing_tx"
	ChannelIncomingTx       Channel = "incoming_tx"
	ChannelWithdrawalStatus Channel = "withdrawal_status"
)

var allChannels = []Channel{ChannelBankTx, ChannelOutgoingTx, ChannelIncomingTx, ChannelWithdrawalStatus}

// subscriber is one entry in the refcounted map: count tracks how many
// long-poll waiters currently hold ch, and ch is closed (waking every
// waiter) the instant a matching notification arrives.
type subscriber struct {
	count int
	ch    chan struct{}
}

// Bus is the in-process half of the notification system: every bank_tx /
// outgoing_tx / incoming_tx / withdrawal_status NOTIFY issued by a writer's
// pg_notify call inside its transaction arrives here and wakes any long-poll waiter registered for the
// key the payload names. The subscriber map is the single shared mutable
// in-process resource the whole process touches (§5).
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	listener *pq.Listener
	log      *logging.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
}

// New creates a Bus and starts its dedicated LISTEN connection. dsn is
// typically the same DSN the pool was opened with; LISTEN/NOTIFY needs its
// own long-lived connection outside the query pool.
func New(dsn string, minReconnect, maxReconnect time.Duration, log *logging.Logger) *Bus {
	b := &Bus{
		subs:         make(map[string]*subscriber),
		log:          log,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
	}

	b.listener = pq.NewListener(dsn, minReconnect, maxReconnect, b.onEvent)
	return b
}

// Start begins LISTENing on all four channels and spawns the dispatch
// goroutine. Call once after New.
func (b *Bus) Start() error {
	for _, ch := range allChannels {
		if err := b.listener.Listen(string(ch)); err != nil {
			return err
		}
	}
	go b.dispatch()
	return nil
}

// Stop tears down the listener connection. Open subscribers simply never
// wake again; callers are expected to be shutting down too.
func (b *Bus) Stop() error {
	return b.listener.Close()
}

func (b *Bus) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		b.log.Warn("notification listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		b.log.Info("notification listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		b.log.Warn("notification listener reconnect attempt failed", "error", err)
	}
}

// dispatch reads raw NOTIFY payloads and wakes the matching subscriber(s).
func (b *Bus) dispatch() {
	for n := range b.listener.Notify {
		if n == nil {
			// nil notification means lib/pq performed an internal
			// reconnect; re-subscribers are already registered against
			// the same in-process map so there's nothing to replay.
			continue
		}
		b.route(string(n.Channel), n.Extra)
	}
}

// route wakes every subscriber key a channel's payload names. bank_tx and
// outgoing_tx carry "debtor_id creditor_id debit_row credit_row" (§4.7):
// the debit row belongs to the debtor's history, the credit row to the
// creditor's, so both accounts' long-poll waiters must wake. The other two
// channels each carry a single key as their first token.
func (b *Bus) route(channel, payload string) {
	switch Channel(channel) {
	case ChannelBankTx, ChannelOutgoingTx:
		tokens := strings.Fields(payload)
		if len(tokens) > 0 {
			b.wake(channel, tokens[0])
		}
		if len(tokens) > 1 {
			b.wake(channel, tokens[1])
		}
	default:
		b.wake(channel, firstToken(payload))
	}
}

func firstToken(payload string) string {
	i := strings.IndexByte(payload, ' ')
	if i < 0 {
		return payload
	}
	return payload[:i]
}

func mapKey(channel, key string) string { return channel + ":" + key }

// Subscribe registers interest in channel/key and returns a channel that
// is closed the next time a matching notification arrives, plus an
// unsubscribe function the caller must call exactly once. Subscribe must
// be called before the caller's own database read (§4.7: "subscription
// precedes the first read so notifications that arrive between read and
// await are not lost").
func (b *Bus) Subscribe(channel Channel, key string) (wait <-chan struct{}, unsubscribe func()) {
	mk := mapKey(string(channel), key)

	b.mu.Lock()
	s, ok := b.subs[mk]
	if !ok {
		s = &subscriber{ch: make(chan struct{})}
		b.subs[mk] = s
	}
	s.count++
	ch := s.ch
	b.mu.Unlock()

	return ch, func() { b.unsubscribe(mk) }
}

func (b *Bus) unsubscribe(mk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[mk]
	if !ok {
		return
	}
	s.count--
	if s.count <= 0 {
		delete(b.subs, mk)
	}
}

// wake closes the current channel for mapKey(channel,key), if any
// subscriber is registered, and installs a fresh channel so subsequent
// Subscribe calls for the same key get a clean wait.
func (b *Bus) wake(channel, key string) {
	mk := mapKey(channel, key)

	b.mu.Lock()
	s, ok := b.subs[mk]
	if ok {
		close(s.ch)
		s.ch = make(chan struct{})
	}
	b.mu.Unlock()
}

// Await is the long-poll integration helper (§4.7): it subscribes, then
// calls read once; if read reports a match it returns immediately.
// Otherwise it waits for either a matching notification or timeout,
// whichever comes first, then calls read once more and returns its
// result regardless of which woke it — a notification only means "maybe
// visible now", the final read is authoritative.
func Await[T any](ctx context.Context, b *Bus, channel Channel, key string, timeout time.Duration, read func() (T, bool)) (T, bool) {
	wait, unsubscribe := b.Subscribe(channel, key)
	defer unsubscribe()

	if result, ok := read(); ok {
		return result, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
	case <-timer.C:
	case <-ctx.Done():
		var zero T
		return zero, false
	}

	return read()
}
