package host

import (
	"testing"

	"github.com/google/uuid"
)

func TestSatisfies(t *testing.T) {
	props := map[string]string{"vcpus": "8", "hypervisor_hostname": "compute-1"}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"numeric gte true", "vcpus >= 4", true},
		{"numeric gte false", "vcpus >= 16", false},
		{"numeric eq", "vcpus == 8", true},
		{"string eq", "hypervisor_hostname == compute-1", true},
		{"string neq", "hypervisor_hostname != compute-2", true},
		{"missing property", "disk >= 100", false},
		{"unparseable filter", "garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := satisfies(props, tt.filter); got != tt.want {
				t.Errorf("satisfies(%q) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		actual, op, literal string
		want                bool
	}{
		{"10", ">", "5", true},
		{"10", "<", "5", false},
		{"abc", "==", "abc", true},
		{"abc", "!=", "xyz", true},
		{"abc", ">", "xyz", false},
	}
	for _, tt := range tests {
		if got := compare(tt.actual, tt.op, tt.literal); got != tt.want {
			t.Errorf("compare(%q,%q,%q) = %v, want %v", tt.actual, tt.op, tt.literal, got, tt.want)
		}
	}
}

func TestPartitionCandidates(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	t.Run("never-allocated alone satisfies min, free-in-window ignored", func(t *testing.T) {
		got := partitionCandidates([]uuid.UUID{a, b}, []uuid.UUID{c, d}, 2)
		if len(got) != 2 || got[0] != a || got[1] != b {
			t.Errorf("expected only the never-allocated hosts, got %v", got)
		}
	})

	t.Run("never-allocated short of min pulls in free-in-window", func(t *testing.T) {
		got := partitionCandidates([]uuid.UUID{a}, []uuid.UUID{b, c}, 2)
		if len(got) != 3 {
			t.Errorf("expected never-allocated + free-in-window union, got %v", got)
		}
	})

	t.Run("both empty", func(t *testing.T) {
		got := partitionCandidates(nil, nil, 1)
		if len(got) != 0 {
			t.Errorf("expected no candidates, got %v", got)
		}
	})
}
