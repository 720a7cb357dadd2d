package dbx

import "testing"

func TestUpdateBuilderBasic(t *testing.T) {
	b := NewUpdateBuilder("libeufin_bank.customers", "name", "email")
	b.Set("name", "Alice").Set("email", "alice@example.com").Where("customer_id = $3", int64(7))

	query, args, ok := b.Build()
	if !ok {
		t.Fatal("expected Build to succeed with staged columns")
	}
	want := "UPDATE libeufin_bank.customers SET name = $1, email = $2 WHERE customer_id = $3"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 3 || args[0] != "Alice" || args[1] != "alice@example.com" || args[2] != int64(7) {
		t.Errorf("args = %v", args)
	}
}

func TestUpdateBuilderEmptyReturnsNotOk(t *testing.T) {
	b := NewUpdateBuilder("libeufin_bank.customers", "name")
	_, _, ok := b.Build()
	if ok {
		t.Error("expected Build to report not-ok with no staged columns")
	}
}

func TestUpdateBuilderRejectsUnwhitelistedColumn(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for a column outside the whitelist")
		}
	}()
	b := NewUpdateBuilder("libeufin_bank.customers", "name")
	b.Set("password_hash", "x")
}

func TestIsSerializationFailure(t *testing.T) {
	if isSerializationFailure(nil) {
		t.Error("nil error should not be a serialization failure")
	}
}
