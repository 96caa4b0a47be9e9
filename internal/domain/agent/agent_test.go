package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
)

func TestAgentCapable(t *testing.T) {
	ag := Agent{Capabilities: []work.Category{work.CategoryThreatIntel, work.CategoryPrioritization}}
	if !ag.Capable(work.CategoryThreatIntel) {
		t.Error("expected capability match")
	}
	if ag.Capable(work.CategoryAnomalyDetection) {
		t.Error("expected no capability match")
	}
}

func TestAgentLoadRatio(t *testing.T) {
	tests := []struct {
		name     string
		load     int
		capacity int
		want     float64
	}{
		{name: "idle", load: 0, capacity: 4, want: 0},
		{name: "half", load: 2, capacity: 4, want: 0.5},
		{name: "full", load: 4, capacity: 4, want: 1},
		{name: "zero capacity treated as full", load: 0, capacity: 0, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ag := Agent{Load: tt.load, Capacity: tt.capacity}
			if got := ag.LoadRatio(); got != tt.want {
				t.Fatalf("LoadRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegisterRequest_Validate(t *testing.T) {
	valid := RegisterRequest{
		ID:           "scanner-01",
		Capabilities: []work.Category{work.CategoryAnomalyDetection},
		Capacity:     4,
	}

	tests := []struct {
		name    string
		mutate  func(*RegisterRequest)
		wantErr string
	}{
		{name: "valid", mutate: func(*RegisterRequest) {}},
		{name: "missing id", mutate: func(r *RegisterRequest) { r.ID = "" }, wantErr: "agent id is required"},
		{name: "empty capabilities", mutate: func(r *RegisterRequest) { r.Capabilities = nil }, wantErr: "capability set must be non-empty"},
		{name: "zero capacity", mutate: func(r *RegisterRequest) { r.Capacity = 0 }, wantErr: "capacity must be > 0"},
		{name: "negative capacity", mutate: func(r *RegisterRequest) { r.Capacity = -1 }, wantErr: "capacity must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}
