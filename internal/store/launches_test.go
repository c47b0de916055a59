package store

import (
	"testing"
	"time"
)

func seedLaunch(t *testing.T, s *Store, deposit string) *Launch {
	t.Helper()
	l := &Launch{
		OwnerID:        "owner-1",
		TokenName:      "New Token",
		TokenSymbol:    "NEW",
		DepositAddress: deposit,
		MinDepositSol:  0.1,
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	if err := s.CreateLaunch(l); err != nil {
		t.Fatalf("create launch: %v", err)
	}
	return l
}

func TestClaimLaunchOptimistic(t *testing.T) {
	s := newTestStore(t)
	l := seedLaunch(t, s, "DepA")

	won, err := s.ClaimLaunch(l.ID)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !won {
		t.Fatal("first claim should win")
	}

	won, err = s.ClaimLaunch(l.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Error("second claim must lose: status already launching")
	}

	got, _ := s.GetLaunch(l.ID)
	if got.Status != LaunchLaunching {
		t.Errorf("expected launching, got %s", got.Status)
	}
}

func TestOneAwaitingLaunchPerWallet(t *testing.T) {
	s := newTestStore(t)
	first := seedLaunch(t, s, "DepB")

	dup := &Launch{
		OwnerID:        "owner-2",
		TokenName:      "Other",
		TokenSymbol:    "OTH",
		DepositAddress: "DepB",
		ExpiresAt:      time.Now().Add(time.Hour).Unix(),
	}
	if err := s.CreateLaunch(dup); err == nil {
		t.Fatal("expected second awaiting launch on the same wallet to be rejected")
	}

	// Once the first leaves awaiting_deposit the wallet frees up.
	if _, err := s.ClaimLaunch(first.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CreateLaunch(dup); err != nil {
		t.Fatalf("expected insert after first launch moved on, got %v", err)
	}
}

func TestLaunchStatusTerminalGuard(t *testing.T) {
	s := newTestStore(t)
	l := seedLaunch(t, s, "DepC")

	if _, err := s.ClaimLaunch(l.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLaunchStatus(l.ID, LaunchCompleted, ""); err != nil {
		t.Fatalf("launching -> completed: %v", err)
	}

	if err := s.SetLaunchStatus(l.ID, LaunchExpired, "late"); err != ErrTerminalStatus {
		t.Errorf("expected ErrTerminalStatus moving out of completed, got %v", err)
	}

	if err := s.SetLaunchStatus("missing", LaunchExpired, ""); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLaunchFailedOnlyMovesToRefunded(t *testing.T) {
	s := newTestStore(t)
	l := seedLaunch(t, s, "DepD")

	if _, err := s.ClaimLaunch(l.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLaunchStatus(l.ID, LaunchFailed, "launcher down"); err != nil {
		t.Fatalf("launching -> failed: %v", err)
	}

	if err := s.SetLaunchStatus(l.ID, LaunchExpired, ""); err != ErrTerminalStatus {
		t.Errorf("failed -> expired must be blocked, got %v", err)
	}
	if err := s.SetLaunchStatus(l.ID, LaunchRefunded, ""); err != nil {
		t.Fatalf("failed -> refunded must be allowed: %v", err)
	}
	if err := s.SetLaunchStatus(l.ID, LaunchLaunching, ""); err != ErrTerminalStatus {
		t.Errorf("refunded is terminal, got %v", err)
	}
}

func TestRetryLadder(t *testing.T) {
	s := newTestStore(t)
	l := seedLaunch(t, s, "DepE")

	if _, err := s.ClaimLaunch(l.ID); err != nil {
		t.Fatal(err)
	}

	count, err := s.IncrementRetry(l.ID, "rpc timeout")
	if err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if count != 1 {
		t.Errorf("expected retry count 1, got %d", count)
	}

	got, _ := s.GetLaunch(l.ID)
	if got.Status != LaunchRetryPending || got.LastError != "rpc timeout" {
		t.Errorf("unexpected launch after retry %+v", got)
	}

	// Just parked: not yet due with a 30s wait, due with none.
	due, err := s.RetryPending(30 * time.Second)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due retries inside the wait window, got %d", len(due))
	}
	due, err = s.RetryPending(0)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if len(due) != 1 || due[0].ID != l.ID {
		t.Errorf("expected the parked launch to be due, got %d", len(due))
	}

	won, err := s.ClaimRetry(l.ID)
	if err != nil || !won {
		t.Fatalf("ClaimRetry: won=%v err=%v", won, err)
	}
	if won, _ := s.ClaimRetry(l.ID); won {
		t.Error("second retry claim must lose")
	}
}

func TestAwaitingDeposit(t *testing.T) {
	s := newTestStore(t)
	a := seedLaunch(t, s, "DepF")
	b := seedLaunch(t, s, "DepG")
	if _, err := s.ClaimLaunch(b.ID); err != nil {
		t.Fatal(err)
	}

	waiting, err := s.AwaitingDeposit()
	if err != nil {
		t.Fatalf("AwaitingDeposit: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != a.ID {
		t.Errorf("expected only the unclaimed launch, got %d", len(waiting))
	}
}
