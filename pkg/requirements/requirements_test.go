package requirements

import (
	"reflect"
	"testing"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
)

func TestTranslate_Atom(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    []string
		wantErr bool
	}{
		{
			name:  "greater than",
			input: `[">", "$memory", "4096"]`,
			want:  []string{"memory > 4096"},
		},
		{
			name:  "equals normalizes to double equals",
			input: `["=", "$vcpus", "2"]`,
			want:  []string{"vcpus == 2"},
		},
		{
			name:  "already-decoded value",
			input: []any{">=", "$disk", "40"},
			want:  []string{"disk >= 40"},
		},
		{
			name:    "missing dollar prefix is malformed",
			input:   `["=", "memory", "4096"]`,
			wantErr: true,
		},
		{
			name:    "identifier too short",
			input:   `["=", "$", "4096"]`,
			wantErr: true,
		},
		{
			name:    "empty literal is malformed",
			input:   `["=", "$memory", ""]`,
			wantErr: true,
		},
		{
			name:    "wrong arity",
			input:   `["=", "$memory"]`,
			wantErr: true,
		},
		{
			name:    "unknown operator",
			input:   `["~=", "$memory", "4096"]`,
			wantErr: true,
		},
		{
			name:    "not valid json",
			input:   `[">", "$memory", 4096`,
			wantErr: true,
		},
		{
			name:    "non-string literal element",
			input:   `["=", "$memory", 4096]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Translate(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				if !apperror.Is(err, apperror.KindMalformedRequirements) {
					t.Errorf("expected MalformedRequirements, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Translate() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Translate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranslate_Conjunction(t *testing.T) {
	got, err := Translate(`["and", [">", "$memory", "4096"], [">", "$disk", "40"]]`)
	if err != nil {
		t.Fatalf("Translate() error: %v", err)
	}
	want := []string{"memory > 4096", "disk > 40"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Translate() = %v, want %v", got, want)
	}
}

func TestTranslate_Empty(t *testing.T) {
	got, err := Translate(`[]`)
	if err != nil {
		t.Fatalf("Translate() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty filter list, got %v", got)
	}
}

func TestTranslate_NestedConjunction(t *testing.T) {
	got, err := Translate(`["and", ["and", [">", "$memory", "4096"]], ["<", "$disk", "100"]]`)
	if err != nil {
		t.Fatalf("Translate() error: %v", err)
	}
	want := []string{"memory > 4096", "disk < 100"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Translate() = %v, want %v", got, want)
	}
}
