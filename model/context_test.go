package model

import (
	"context"
	"testing"
)

func TestScope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scope   Scope
		wantErr bool
	}{
		{name: "organization only", scope: Scope{OrganizationID: "org-1"}},
		{name: "organization and user", scope: Scope{OrganizationID: "org-1", UserID: "u-1"}},
		{name: "missing organization", scope: Scope{UserID: "u-1"}, wantErr: true},
		{name: "empty", scope: Scope{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequireScope_badRequest(t *testing.T) {
	err := RequireScope(Scope{})
	if ErrorCode(err) != ErrBadRequest {
		t.Errorf("code = %q, want %q", ErrorCode(err), ErrBadRequest)
	}
}

func TestScope_Trigger(t *testing.T) {
	manual := Scope{OrganizationID: "org-1", UserID: "u-1"}
	if manual.Trigger() != TriggerManual {
		t.Errorf("Trigger() = %q, want manual", manual.Trigger())
	}
	if manual.System().Trigger() != TriggerAutomatic {
		t.Errorf("System().Trigger() = %q, want automatic", manual.System().Trigger())
	}
	if manual.UserID != "u-1" {
		t.Error("System() must not modify the receiver")
	}
}

func TestScopeFrom_roundTrip(t *testing.T) {
	ctx := WithScope(context.Background(), Scope{OrganizationID: "org-1", Roles: []string{"editor"}})
	s, ok := ScopeFrom(ctx)
	if !ok {
		t.Fatal("ScopeFrom ok = false")
	}
	if !s.HasRole("editor") || s.HasRole("admin") {
		t.Errorf("HasRole mismatch for roles %v", s.Roles)
	}
}

func TestMustScope_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustScope(context.Background())
}
