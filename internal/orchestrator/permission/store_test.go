package permission

import (
	"context"
	"testing"
)

func TestEmptyStoreAllowsEveryPair(t *testing.T) {
	store := NewMemoryStore()
	ok, err := store.Allowed(context.Background(), "9000", "1001")
	if err != nil {
		t.Fatalf("Allowed failed: %v", err)
	}
	if !ok {
		t.Error("empty store denied a pair, want allow-all")
	}
}

func TestGrantRestrictsToGrantedPairs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Grant(ctx, "9000", "1001"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	if ok, _ := store.Allowed(ctx, "9000", "1001"); !ok {
		t.Error("granted pair denied")
	}
	if ok, _ := store.Allowed(ctx, "9000", "1002"); ok {
		t.Error("ungranted pair allowed once a grant exists")
	}
	if ok, _ := store.Allowed(ctx, "9001", "1001"); ok {
		t.Error("ungranted supervisor allowed once a grant exists")
	}
}

func TestRevokeRestoresAllowAllWhenLastGrantGoes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Grant(ctx, "9000", "1001"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if err := store.Revoke(ctx, "9000", "1001"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if ok, _ := store.Allowed(ctx, "9000", "1002"); !ok {
		t.Error("store with no grants denied a pair, want allow-all")
	}
}

func TestGrantIsIdempotentAndListed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Grant(ctx, "9000", "1001"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if err := store.Grant(ctx, "9000", "1001"); err != nil {
		t.Fatalf("repeated Grant failed: %v", err)
	}

	grants, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("List returned %d grants, want 1", len(grants))
	}
	if grants[0].Supervisor != "9000" || grants[0].Target != "1001" {
		t.Errorf("grant = %+v, want 9000 -> 1001", grants[0])
	}
	if grants[0].GrantedAt.IsZero() {
		t.Error("grant timestamp not set")
	}
}
