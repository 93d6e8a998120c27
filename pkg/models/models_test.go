package models

import "testing"

func TestNodeStatusValid(t *testing.T) {
	valid := []NodeStatus{
		NodeStatusPending, NodeStatusInProgress, NodeStatusCompleted,
		NodeStatusFailed, NodeStatusCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if NodeStatus("done").Valid() {
		t.Error("expected 'done' to be invalid")
	}
	if NodeStatus("").Valid() {
		t.Error("expected empty status to be invalid")
	}
}

func TestNodeStatusTerminal(t *testing.T) {
	tests := []struct {
		status   NodeStatus
		terminal bool
	}{
		{NodeStatusPending, false},
		{NodeStatusInProgress, false},
		{NodeStatusCompleted, true},
		{NodeStatusFailed, true},
		{NodeStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestSubAgentStatusTerminal(t *testing.T) {
	if SubAgentRunning.Terminal() {
		t.Error("running should not be terminal")
	}
	if SubAgentInitializing.Terminal() {
		t.Error("initializing should not be terminal")
	}
	for _, s := range []SubAgentStatus{SubAgentCompleted, SubAgentFailed, SubAgentCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestRunStatusValid(t *testing.T) {
	for _, s := range []RunStatus{RunIdle, RunPlanning, RunExecuting, RunMonitoring, RunCompleted, RunFailed} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if RunStatus("paused").Valid() {
		t.Error("expected 'paused' to be invalid")
	}
}

func TestArchetypeValid(t *testing.T) {
	for _, a := range []Archetype{ArchetypeResearch, ArchetypeCoding, ArchetypeCommunication, ArchetypeGeneral} {
		if !a.Valid() {
			t.Errorf("expected %q to be valid", a)
		}
	}
	if Archetype("wizard").Valid() {
		t.Error("expected 'wizard' to be invalid")
	}
}
