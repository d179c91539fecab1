package trust_test

import (
	"context"
	"errors"
	"testing"

	"github.com/courseloop/courseloop/internal/lti/trust"
)

func platformReg() trust.PlatformRegistration {
	return trust.PlatformRegistration{
		Issuer:        "https://lms.example.edu",
		ClientID:      "client-abc",
		JWKSURL:       "https://lms.example.edu/.well-known/jwks.json",
		AuthEndpoint:  "https://lms.example.edu/auth",
		TokenEndpoint: "https://lms.example.edu/token",
		DeploymentIDs: []string{"dep-1", "dep-2"},
	}
}

func toolReg() trust.ToolRegistration {
	return trust.ToolRegistration{
		ClientID:     "client-abc",
		Name:         "Quiz Tool",
		RedirectURIs: []string{"https://tool.example.com/lti/launch"},
	}
}

func TestRegisterAndLookupPlatform(t *testing.T) {
	r := trust.NewMemRegistry(nil)
	ctx := context.Background()

	p, err := r.RegisterPlatform(ctx, platformReg())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.ID == "" {
		t.Fatal("platform must get an id")
	}

	got, err := r.LookupPlatform(ctx, "https://lms.example.edu", "client-abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != p.ID {
		t.Fatal("lookup returned wrong platform")
	}
	if !got.HasDeployment("dep-1") || got.HasDeployment("dep-9") {
		t.Fatal("deployment allow-list not honored")
	}

	if _, err := r.LookupPlatform(ctx, "https://other.example.edu", "client-abc"); !errors.Is(err, trust.ErrUnknownPlatform) {
		t.Fatalf("err = %v, want ErrUnknownPlatform", err)
	}
}

func TestDuplicatePlatformRejected(t *testing.T) {
	r := trust.NewMemRegistry(nil)
	ctx := context.Background()

	if _, err := r.RegisterPlatform(ctx, platformReg()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.RegisterPlatform(ctx, platformReg()); !errors.Is(err, trust.ErrDuplicateTrust) {
		t.Fatalf("err = %v, want ErrDuplicateTrust", err)
	}

	// Same issuer with another client_id is a distinct trust entry.
	other := platformReg()
	other.ClientID = "client-xyz"
	if _, err := r.RegisterPlatform(ctx, other); err != nil {
		t.Fatalf("register second client: %v", err)
	}
}

func TestPlatformRegistrationValidation(t *testing.T) {
	r := trust.NewMemRegistry(nil)
	ctx := context.Background()

	bad := platformReg()
	bad.JWKSURL = "not-a-url"
	if _, err := r.RegisterPlatform(ctx, bad); !errors.Is(err, trust.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	bad = platformReg()
	bad.Issuer = ""
	if _, err := r.RegisterPlatform(ctx, bad); !errors.Is(err, trust.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRotatePlatformEndpoints(t *testing.T) {
	r := trust.NewMemRegistry(nil)
	ctx := context.Background()

	p, _ := r.RegisterPlatform(ctx, platformReg())
	rotated, err := r.RotatePlatformEndpoints(ctx, p.ID,
		"https://lms.example.edu/keys/v2", "https://lms.example.edu/auth/v2", "https://lms.example.edu/token/v2")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.JWKSURL != "https://lms.example.edu/keys/v2" {
		t.Fatalf("jwks url = %q", rotated.JWKSURL)
	}
	if rotated.Issuer != p.Issuer || rotated.ClientID != p.ClientID {
		t.Fatal("identity fields must not change on rotation")
	}

	if _, err := r.RotatePlatformEndpoints(ctx, "nope", "https://a.example/j", "https://a.example/a", "https://a.example/t"); !errors.Is(err, trust.ErrUnknownPlatform) {
		t.Fatalf("err = %v, want ErrUnknownPlatform", err)
	}
}

func TestToolLifecycle(t *testing.T) {
	r := trust.NewMemRegistry(nil)
	ctx := context.Background()

	tool, err := r.RegisterTool(ctx, toolReg())
	if err != nil {
		t.Fatalf("register tool: %v", err)
	}
	if tool.Status != trust.ToolActive {
		t.Fatalf("status = %s, want ACTIVE", tool.Status)
	}
	if tool.Placement != trust.PlacementCourseNavigation {
		t.Fatalf("default placement = %s", tool.Placement)
	}

	if _, err := r.RegisterTool(ctx, toolReg()); !errors.Is(err, trust.ErrDuplicateTrust) {
		t.Fatalf("err = %v, want ErrDuplicateTrust", err)
	}

	if !tool.RedirectAllowed("https://tool.example.com/lti/launch") {
		t.Fatal("registered redirect must be allowed")
	}
	if tool.RedirectAllowed("https://tool.example.com/lti/launch/extra") {
		t.Fatal("redirect match must be exact")
	}

	if err := r.SetToolStatus(ctx, tool.ID, trust.ToolSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, _ := r.LookupTool(ctx, tool.ClientID)
	if got.Status != trust.ToolSuspended {
		t.Fatalf("status = %s, want SUSPENDED", got.Status)
	}

	if err := r.SetToolStatus(ctx, "missing", trust.ToolActive); !errors.Is(err, trust.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}
