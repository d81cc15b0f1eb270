package model

import (
	"context"
	"errors"
	"fmt"
)

// Scope carries the organization and acting user every store and engine call
// runs under. OrganizationID is mandatory; an empty UserID means the call was
// made by the system (automatic trigger).
type Scope struct {
	OrganizationID string
	UserID         string
	Email          string
	Roles          []string
	CorrelationID  string
}

// Validate checks that all mandatory fields are present.
func (s Scope) Validate() error {
	var errs []error
	if s.OrganizationID == "" {
		errs = append(errs, fmt.Errorf("OrganizationID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RequireScope validates s and converts a failure into a BAD_REQUEST envelope.
func RequireScope(s Scope) error {
	if err := s.Validate(); err != nil {
		return NewBadRequestError("invalid scope: " + err.Error())
	}
	return nil
}

// System returns a copy of the scope without the acting user. Operations run
// under it are recorded as automatic.
func (s Scope) System() Scope {
	s.UserID = ""
	s.Email = ""
	return s
}

// Trigger reports how a stage change made under this scope is recorded.
func (s Scope) Trigger() TriggerType {
	if s.UserID != "" {
		return TriggerManual
	}
	return TriggerAutomatic
}

// HasRole returns true if the scope contains the given role.
func (s Scope) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithScope attaches a Scope to the given context.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// ScopeFrom extracts the Scope from the context. The boolean is false when no
// scope was attached.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	return s, ok
}

// MustScope extracts the Scope from the context, panicking if it is not
// present. This is safe to call in handlers that are guaranteed to run behind
// the authentication middleware.
func MustScope(ctx context.Context) Scope {
	s, ok := ScopeFrom(ctx)
	if !ok {
		panic("model: Scope not found in context")
	}
	return s
}
