package domain

import (
	"errors"
	"testing"
)

func TestPositionValidate(t *testing.T) {
	ok := &Position{Symbol: "EURUSD", Ticket: 1, Volume: 0.1, Side: SideBuy}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid position, got %v", err)
	}

	cases := map[string]*Position{
		"nil":         nil,
		"zero ticket": {Symbol: "EURUSD", Volume: 0.1, Side: SideBuy},
		"zero volume": {Symbol: "EURUSD", Ticket: 1, Side: SideSell},
		"bad side":    {Symbol: "EURUSD", Ticket: 1, Volume: 0.1, Side: "HOLD"},
	}
	for name, p := range cases {
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestPositionClone(t *testing.T) {
	p := &Position{Symbol: "XAUUSD", Ticket: 7, Volume: 1, Side: SideSell}
	cp := p.Clone()
	cp.Volume = 2
	if p.Volume != 1 {
		t.Fatalf("clone shares memory with original")
	}
	if (*Position)(nil).Clone() != nil {
		t.Fatalf("clone of nil should be nil")
	}
}

func TestOrderValidateAndDedupKey(t *testing.T) {
	ticket := int64(42)
	price := -1.0

	o := Order{Symbol: "EURUSD", Side: SideSell, Volume: 0.1, Ticket: &ticket}
	if err := o.Validate(); err != nil {
		t.Fatalf("expected valid close order, got %v", err)
	}
	if !o.IsClose() {
		t.Fatalf("order with ticket should be a close")
	}
	if got, want := o.DedupKey(), "EURUSD:SELL:0.10000000:42"; got != want {
		t.Fatalf("dedup key = %q, want %q", got, want)
	}

	bad := Order{Symbol: "EURUSD", Side: SideBuy, Volume: 0.1, Price: &price}
	if err := bad.Validate(); err == nil {
		t.Fatalf("negative price should be rejected")
	}
	if err := (&Order{Side: SideBuy, Volume: 1}).Validate(); err == nil {
		t.Fatalf("missing symbol should be rejected")
	}
}

func TestSyncResultHelpers(t *testing.T) {
	var nilRes *SyncResult
	if !nilRes.Degraded() || nilRes.Changes() != 0 || nilRes.ErrorString() != "" {
		t.Fatalf("nil result should be degraded with no changes")
	}

	res := &SyncResult{Status: SyncStatusOK, Recovered: 1, Closed: 2, Corrected: 3}
	if res.Degraded() {
		t.Fatalf("OK result reported as degraded")
	}
	if res.Changes() != 6 {
		t.Fatalf("changes = %d, want 6", res.Changes())
	}

	deg := &SyncResult{Status: SyncStatusDegraded, Err: errors.New("timeout")}
	if !deg.Degraded() || deg.ErrorString() != "timeout" {
		t.Fatalf("unexpected degraded result: %+v", deg)
	}
}

func TestAccountSnapshotIsZero(t *testing.T) {
	if !(AccountSnapshot{}).IsZero() {
		t.Fatalf("empty snapshot should be zero")
	}
	if (AccountSnapshot{Balance: 1}).IsZero() {
		t.Fatalf("non-empty snapshot reported as zero")
	}
}
