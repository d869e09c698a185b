package domain

import (
	"testing"
)

func TestExpectedBalanceFoldsSignedMovements(t *testing.T) {
	movements := []CashMovement{
		{Type: MovementSale, AmountCents: 250},
		{Type: MovementPayout, AmountCents: -100},
		{Type: MovementDeposit, AmountCents: 500},
		{Type: MovementReturn, AmountCents: -50},
	}
	if got := ExpectedBalance(1000, movements); got != 1600 {
		t.Fatalf("expected 1600, got %d", got)
	}
}

func TestExpectedBalanceIsOrderIndependent(t *testing.T) {
	forward := []CashMovement{
		{AmountCents: 250},
		{AmountCents: -100},
		{AmountCents: 75},
	}
	reversed := []CashMovement{
		{AmountCents: 75},
		{AmountCents: -100},
		{AmountCents: 250},
	}
	if ExpectedBalance(1000, forward) != ExpectedBalance(1000, reversed) {
		t.Fatalf("fold must not depend on movement order")
	}
}

func TestExpectedBalanceEmptyLedger(t *testing.T) {
	if got := ExpectedBalance(1000, nil); got != 1000 {
		t.Fatalf("empty ledger should equal the opening float, got %d", got)
	}
}

func TestSellableExcludesReserved(t *testing.T) {
	rec := InventoryRecord{Available: 10, Reserved: 3}
	if rec.Sellable() != 7 {
		t.Fatalf("expected sellable 7, got %d", rec.Sellable())
	}
}
