package model

import "testing"

func TestCapabilitySet_Has(t *testing.T) {
	cs := CapabilitySet{
		CapProjectsRead: true,
		"workflow:*":    true,
	}
	tests := []struct {
		cap  string
		want bool
	}{
		{CapProjectsRead, true},
		{CapTransition, true},
		{CapTransitionForce, true},
		{CapRollback, true},
		{CapProjectsWrite, false},
		{CapDefinitionsRead, false},
	}
	for _, tt := range tests {
		if got := cs.Has(tt.cap); got != tt.want {
			t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
		}
	}
}

func TestCapabilitySet_Has_nil(t *testing.T) {
	var cs CapabilitySet
	if cs.Has(CapProjectsRead) {
		t.Error("nil set should not match anything")
	}
}

func TestCapabilitySet_HasAll(t *testing.T) {
	cs := CapabilitySet{CapTransition: true, CapProjectsRead: true}
	if !cs.HasAll(CapTransition, CapProjectsRead) {
		t.Error("HasAll should be true when all present")
	}
	if cs.HasAll(CapTransition, CapTransitionForce) {
		t.Error("workflow:transition must not imply workflow:transition:force")
	}
	if !cs.HasAll() {
		t.Error("HasAll with no args should be true")
	}
}

func TestCapabilitySet_Missing(t *testing.T) {
	cs := CapabilitySet{"projects:*": true}
	got := cs.Missing(CapProjectsRead, CapRollback, CapProjectsWrite, CapMaintain)
	if len(got) != 2 || got[0] != CapRollback || got[1] != CapMaintain {
		t.Errorf("Missing() = %v, want [%s %s]", got, CapRollback, CapMaintain)
	}
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		cap     string
		want    bool
	}{
		{"*", CapRollback, true},
		{"workflow:*", CapTransitionForce, true},
		{"workflow:transition:*", CapTransitionForce, true},
		{"workflow:*", CapProjectsRead, false},
		{"workflow:transition", CapTransitionForce, false},
		{CapRollback, CapRollback, false}, // exact match handled by map lookup
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_vs_"+tt.cap, func(t *testing.T) {
			if got := matchWildcard(tt.pattern, tt.cap); got != tt.want {
				t.Errorf("matchWildcard(%q, %q) = %v, want %v", tt.pattern, tt.cap, got, tt.want)
			}
		})
	}
}
