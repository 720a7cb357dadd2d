package accounts

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/amount"
)

func TestApplySelfRegistrationDefaults(t *testing.T) {
	defaultMaxDebt := amount.Amount{Val: 10, Frac: 0}

	selfReq := CreateRequest{
		IsAdmin:         false,
		IsPublic:        true,
		IsTalerExchange: true,
		MaxDebt:         amount.Amount{Val: 999, Frac: 0},
	}
	got := applySelfRegistrationDefaults(selfReq, defaultMaxDebt)
	if got.IsPublic || got.IsTalerExchange {
		t.Error("self-registration must never set IsPublic or IsTalerExchange")
	}
	if got.MaxDebt != defaultMaxDebt {
		t.Errorf("self-registration should get the registry default debt ceiling, got %+v", got.MaxDebt)
	}
}

func TestApplySelfRegistrationDefaultsLeavesAdminUntouched(t *testing.T) {
	defaultMaxDebt := amount.Amount{Val: 10, Frac: 0}
	adminReq := CreateRequest{
		IsAdmin:         true,
		IsPublic:        true,
		IsTalerExchange: true,
		MaxDebt:         amount.Amount{Val: 999, Frac: 0},
	}
	got := applySelfRegistrationDefaults(adminReq, defaultMaxDebt)
	if !got.IsPublic || !got.IsTalerExchange {
		t.Error("admin-created account should keep its requested flags")
	}
	if got.MaxDebt.Val != 999 {
		t.Errorf("admin-created account should keep its requested debt ceiling, got %+v", got.MaxDebt)
	}
}

func TestIsUniqueViolationNonPQError(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Error("nil error should not be a unique violation")
	}
}
