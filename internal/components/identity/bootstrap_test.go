package identity

import (
	"context"
	"testing"

	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/store/memory"
)

func TestBootstrapRun(t *testing.T) {
	ctx := context.Background()
	users := memory.NewDriver().Users()
	b := NewBootstrap(users, NewUserAuthFast(), nil)

	seed := []config.BootstrapUser{
		{Username: "alice", Password: "pw-a", FederationEnabled: true},
		{Username: "bob", Password: "pw-b", DisplayName: "Bobby"},
	}

	created, err := b.Run(ctx, seed)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 created, got %d", created)
	}

	alice, err := users.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if !alice.FederationEnabled {
		t.Error("expected federation enabled for alice")
	}
	bob, err := users.GetByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if bob.DisplayName != "Bobby" {
		t.Errorf("expected display name Bobby, got %q", bob.DisplayName)
	}

	// Re-running creates nothing but syncs the federation flag.
	seed[0].FederationEnabled = false
	created, err = b.Run(ctx, seed)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected 0 created on second run, got %d", created)
	}
	alice, err = users.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if alice.FederationEnabled {
		t.Error("expected federation disabled after flag change")
	}
}
