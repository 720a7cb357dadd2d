package notify

import (
	"context"
	"testing"
	"time"

	"github.com/klingon-exchange/corebank/pkg/logging"
)

func newTestBus() *Bus {
	return &Bus{
		subs: make(map[string]*subscriber),
		log:  logging.Default(),
	}
}

func TestSubscribeWakeUnsubscribe(t *testing.T) {
	b := newTestBus()

	wait, unsubscribe := b.Subscribe(ChannelWithdrawalStatus, "uuid-1")
	defer unsubscribe()

	select {
	case <-wait:
		t.Fatal("wait channel should not be closed before a matching notification")
	default:
	}

	b.wake(string(ChannelWithdrawalStatus), "uuid-1")

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("expected wait channel to close after wake")
	}
}

func TestWakeIgnoresUnrelatedKey(t *testing.T) {
	b := newTestBus()
	wait, unsubscribe := b.Subscribe(ChannelBankTx, "account-1")
	defer unsubscribe()

	b.wake(string(ChannelBankTx), "account-2")

	select {
	case <-wait:
		t.Fatal("wake for a different key should not affect this subscriber")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribePrunesEmptyEntry(t *testing.T) {
	b := newTestBus()
	_, unsubscribe1 := b.Subscribe(ChannelIncomingTx, "r1")
	_, unsubscribe2 := b.Subscribe(ChannelIncomingTx, "r1")

	mk := mapKey(string(ChannelIncomingTx), "r1")
	b.mu.Lock()
	if b.subs[mk].count != 2 {
		t.Errorf("expected refcount 2, got %d", b.subs[mk].count)
	}
	b.mu.Unlock()

	unsubscribe1()
	b.mu.Lock()
	if _, ok := b.subs[mk]; !ok {
		t.Error("entry should survive while refcount > 0")
	}
	b.mu.Unlock()

	unsubscribe2()
	b.mu.Lock()
	if _, ok := b.subs[mk]; ok {
		t.Error("entry should be pruned once refcount reaches 0")
	}
	b.mu.Unlock()
}

func TestAwaitReturnsImmediatelyWhenAlreadyVisible(t *testing.T) {
	b := newTestBus()
	called := 0
	result, ok := Await(context.Background(), b, ChannelWithdrawalStatus, "uuid-2", time.Second, func() (int, bool) {
		called++
		return 42, true
	})
	if !ok || result != 42 {
		t.Fatalf("Await = %d, %v", result, ok)
	}
	if called != 1 {
		t.Errorf("expected read to be called once, got %d", called)
	}
}

func TestAwaitWakesOnNotification(t *testing.T) {
	b := newTestBus()
	attempt := 0

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.wake(string(ChannelWithdrawalStatus), "uuid-3")
		close(done)
	}()

	result, ok := Await(context.Background(), b, ChannelWithdrawalStatus, "uuid-3", 5*time.Second, func() (int, bool) {
		attempt++
		return attempt, attempt >= 2
	})
	<-done

	if !ok {
		t.Fatal("expected Await to succeed once the notification arrives")
	}
	if result != 2 {
		t.Errorf("expected second read to succeed, got result %d after %d attempts", result, attempt)
	}
}

func TestAwaitTimesOutAndStillReads(t *testing.T) {
	b := newTestBus()
	result, ok := Await(context.Background(), b, ChannelBankTx, "acct", 10*time.Millisecond, func() (int, bool) {
		return 0, false
	})
	if ok {
		t.Error("expected Await to report not-ok when read never matches")
	}
	if result != 0 {
		t.Errorf("expected zero value, got %d", result)
	}
}

func TestRouteWakesBothDebtorAndCreditor(t *testing.T) {
	b := newTestBus()
	debtorWait, unsubDebtor := b.Subscribe(ChannelBankTx, "1")
	defer unsubDebtor()
	creditorWait, unsubCreditor := b.Subscribe(ChannelBankTx, "2")
	defer unsubCreditor()

	b.route(string(ChannelBankTx), "1 2 100 101")

	select {
	case <-debtorWait:
	case <-time.After(time.Second):
		t.Fatal("expected the debtor's subscriber to wake")
	}
	select {
	case <-creditorWait:
	case <-time.After(time.Second):
		t.Fatal("expected the creditor's subscriber to wake")
	}
}

func TestRouteSingleTokenChannelWakesOnlyFirstToken(t *testing.T) {
	b := newTestBus()
	wait, unsubscribe := b.Subscribe(ChannelWithdrawalStatus, "uuid-4")
	defer unsubscribe()

	b.route(string(ChannelWithdrawalStatus), "uuid-4")

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("expected the subscriber to wake")
	}
}

func TestFirstToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"abc def", "abc"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := firstToken(tt.in); got != tt.want {
			t.Errorf("firstToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
