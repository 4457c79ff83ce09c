package agreements

import (
	"context"
	"testing"

	domain "github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/storage/memory"
)

func TestService_Create(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	agr, err := svc.Create(ctx, " asset-1 ", " licensor-1 ", "", "enc:rate")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if agr.AssetID != "asset-1" || agr.Licensor != "licensor-1" {
		t.Fatalf("fields not normalised: %+v", agr)
	}
	if agr.Status != domain.AgreementDraft {
		t.Fatalf("agreement without licensee should be draft, got %s", agr.Status)
	}

	withLicensee, err := svc.Create(ctx, "asset-2", "licensor-1", "lee", "enc:rate")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if withLicensee.Status != domain.AgreementActive {
		t.Fatalf("agreement with licensee should be active, got %s", withLicensee.Status)
	}

	if _, err := svc.Create(ctx, "", "licensor-1", "", "enc:rate"); err == nil {
		t.Fatal("expected error for missing asset")
	}
	if _, err := svc.Create(ctx, "asset-3", "", "", "enc:rate"); err == nil {
		t.Fatal("expected error for missing licensor")
	}
	if _, err := svc.Create(ctx, "asset-3", "licensor-1", "", ""); err == nil {
		t.Fatal("expected error for missing rate ciphertext")
	}
	if _, err := svc.Create(ctx, "asset-1", "other", "", "enc:rate"); err == nil {
		t.Fatal("expected error for duplicate asset")
	}
}

func TestService_SetStatus(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	agr, err := svc.Create(ctx, "asset-1", "licensor-1", "", "enc:rate")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.SetStatus(ctx, agr.ID, "mallory", domain.AgreementTerminated); err == nil {
		t.Fatal("expected error for foreign caller")
	}

	updated, err := svc.SetStatus(ctx, agr.ID, "licensor-1", domain.AgreementTerminated)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if updated.Status != domain.AgreementTerminated {
		t.Fatalf("status = %s, want terminated", updated.Status)
	}

	owner, err := svc.ControllingAccount(ctx, "asset-1")
	if err != nil {
		t.Fatalf("controlling account: %v", err)
	}
	if owner != "licensor-1" {
		t.Fatalf("controlling account = %s", owner)
	}
}
