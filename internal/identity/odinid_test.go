package identity_test

import (
	"testing"

	"github.com/odinfed/odinfed-go/internal/identity"
)

func TestNewOdinId(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "alice.example.com", want: "alice.example.com"},
		{in: "ALICE.Example.COM", want: "alice.example.com"},
		{in: "  bob.example  ", want: "bob.example"},
		{in: "trailing.dot.example.", want: "trailing.dot.example"},
		{in: "bücher.example", want: "xn--bcher-kva.example"},
		{in: "", wantErr: true},
		{in: "nodots", wantErr: true},
		{in: "under score.example", wantErr: true},
		{in: "-leading.example", wantErr: true},
	}

	for _, tc := range tests {
		got, err := identity.New(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("New(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q): %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("New(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOdinIdNormalizationEquality(t *testing.T) {
	a := identity.MustNew("Frodo.DotYou.Cloud")
	b := identity.MustNew("frodo.dotyou.cloud")
	if a != b {
		t.Errorf("normalized ids differ: %q vs %q", a, b)
	}
}
