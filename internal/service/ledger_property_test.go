// Property-based tests for the pure deduction and credit helpers.
package service

import (
	"testing"

	"pgregory.net/rapid"

	"booking-points-service/internal/model"
)

// TestSplitBonusFirstProperty checks that the bonus-first split always
// covers the exact amount, never overdraws a bucket, and only draws on
// regular points once bonus points are exhausted.
func TestSplitBonusFirstProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bonus := rapid.Int64Range(0, 100000).Draw(t, "bonus")
		regular := rapid.Int64Range(0, 100000).Draw(t, "regular")
		amount := rapid.Int64Range(1, 100000).Draw(t, "amount")

		fromBonus, fromRegular, err := splitBonusFirst(bonus, regular, amount)

		if bonus+regular < amount {
			if err == nil {
				t.Fatalf("expected error for amount %d over balance %d", amount, bonus+regular)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if fromBonus+fromRegular != amount {
			t.Fatalf("split %d+%d does not cover %d", fromBonus, fromRegular, amount)
		}
		if fromBonus > bonus || fromRegular > regular {
			t.Fatalf("split overdraws: bonus %d/%d, regular %d/%d",
				fromBonus, bonus, fromRegular, regular)
		}
		if fromRegular > 0 && fromBonus != bonus {
			t.Fatalf("regular points drawn with %d bonus points left", bonus-fromBonus)
		}
	})
}

// TestDebitBonusFirstProperty checks that a bonus-first debit removes
// exactly the amount and leaves both buckets non-negative, regardless of
// the sign the rule's magnitude carries.
func TestDebitBonusFirstProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bonus := rapid.Int64Range(0, 100000).Draw(t, "bonus")
		regular := rapid.Int64Range(0, 100000).Draw(t, "regular")
		amount := rapid.Int64Range(1, 100000).Draw(t, "amount")
		negate := rapid.Bool().Draw(t, "negate")

		magnitude := amount
		if negate {
			magnitude = -amount
		}

		b := &model.PointBalance{
			RegularPointBalance: regular,
			BonusPointBalance:   bonus,
		}

		change, err := debit(b, model.DeductBonusFirst, magnitude)

		if bonus+regular < amount {
			if err == nil {
				t.Fatal("expected insufficient balance error")
			}
			// A failed debit leaves the buckets untouched
			if b.RegularPointBalance != regular || b.BonusPointBalance != bonus {
				t.Fatal("failed debit mutated the balance")
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if change != -amount {
			t.Fatalf("expected change %d, got %d", -amount, change)
		}
		if b.RegularPointBalance < 0 || b.BonusPointBalance < 0 {
			t.Fatalf("negative bucket after debit: regular %d, bonus %d",
				b.RegularPointBalance, b.BonusPointBalance)
		}
		removed := (regular - b.RegularPointBalance) + (bonus - b.BonusPointBalance)
		if removed != amount {
			t.Fatalf("removed %d, expected %d", removed, amount)
		}
	})
}

// TestDebitRegularOnlyProperty checks that a regular-only debit never
// touches the bonus bucket and fails closed when regular points are short,
// whatever the bonus balance is.
func TestDebitRegularOnlyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bonus := rapid.Int64Range(0, 100000).Draw(t, "bonus")
		regular := rapid.Int64Range(0, 100000).Draw(t, "regular")
		amount := rapid.Int64Range(1, 100000).Draw(t, "amount")

		b := &model.PointBalance{
			RegularPointBalance: regular,
			BonusPointBalance:   bonus,
		}

		change, err := debit(b, model.DeductRegularOnly, amount)

		if regular < amount {
			if err == nil {
				t.Fatalf("expected error: regular %d < amount %d despite bonus %d",
					regular, amount, bonus)
			}
			if b.RegularPointBalance != regular || b.BonusPointBalance != bonus {
				t.Fatal("failed debit mutated the balance")
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if change != -amount {
			t.Fatalf("expected change %d, got %d", -amount, change)
		}
		if b.BonusPointBalance != bonus {
			t.Fatal("regular-only debit touched the bonus bucket")
		}
		if b.RegularPointBalance != regular-amount {
			t.Fatalf("expected regular %d, got %d", regular-amount, b.RegularPointBalance)
		}
	})
}

// TestCreditProperty checks that a credit lands in exactly the named
// bucket and that the pending bucket rejects direct credits.
func TestCreditProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		regular := rapid.Int64Range(0, 100000).Draw(t, "regular")
		bonus := rapid.Int64Range(0, 100000).Draw(t, "bonus")
		amount := rapid.Int64Range(1, 100000).Draw(t, "amount")
		pointType := rapid.SampledFrom([]string{
			model.SourceRegular, model.SourceBonus, model.SourcePending,
		}).Draw(t, "pointType")

		b := &model.PointBalance{
			RegularPointBalance: regular,
			BonusPointBalance:   bonus,
		}

		change, err := credit(b, pointType, amount)

		if pointType == model.SourcePending {
			if err == nil {
				t.Fatal("expected error crediting the pending bucket directly")
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if change != amount {
			t.Fatalf("expected change %d, got %d", amount, change)
		}

		switch pointType {
		case model.SourceRegular:
			if b.RegularPointBalance != regular+amount || b.BonusPointBalance != bonus {
				t.Fatal("regular credit touched the wrong bucket")
			}
		case model.SourceBonus:
			if b.BonusPointBalance != bonus+amount || b.RegularPointBalance != regular {
				t.Fatal("bonus credit touched the wrong bucket")
			}
		}
	})
}

// TestRecordedTransactionTypePrecedence checks that a type pinned on the
// rule beats the caller's override, which beats the rule's own type.
func TestRecordedTransactionTypePrecedence(t *testing.T) {
	pinned := model.TxTypeBuyin
	override := "manual_adjustment"

	rule := &model.PointRule{TransactionType: model.TxTypeDeposit}

	if got := recordedTransactionType(rule, nil); got != model.TxTypeDeposit {
		t.Fatalf("expected rule type, got %s", got)
	}
	if got := recordedTransactionType(rule, &override); got != override {
		t.Fatalf("expected override, got %s", got)
	}

	rule.PinnedTransactionType = &pinned
	if got := recordedTransactionType(rule, &override); got != pinned {
		t.Fatalf("pinned type must win, got %s", got)
	}

	empty := ""
	rule.PinnedTransactionType = &empty
	if got := recordedTransactionType(rule, &override); got != override {
		t.Fatalf("empty pin must not win, got %s", got)
	}
}
