package dedup

import (
	"errors"
	"testing"
)

func TestHashIsCaseAndWhitespaceInsensitive(t *testing.T) {
	a := Hash("john", "doe", "+16502530000", "1990-01-01")
	b := Hash(" JOHN ", "Doe", "+16502530000", "1990-01-01")
	if a != b {
		t.Fatalf("expected equal hashes, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(a))
	}
	if a == Hash("john", "doe", "+16502530001", "1990-01-01") {
		t.Fatal("expected different phone to change the hash")
	}
}

func TestNormalizeProducesCanonicalIdentity(t *testing.T) {
	id, err := Normalize(Row{
		FirstName: "  mary-ANN ",
		LastName:  "o'neil",
		Phone:     "(650) 253-0000",
		DOB:       "01/31/1990",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Identity{FirstName: "Mary-Ann", LastName: "Oneil", Phone: "+16502530000", DOB: "1990-01-31"}
	if id.FirstName != want.FirstName || id.LastName != want.LastName || id.Phone != want.Phone || id.DOB != want.DOB {
		t.Fatalf("expected %+v, got %+v", want, id)
	}
	if id.Hash != Hash(want.FirstName, want.LastName, want.Phone, want.DOB) {
		t.Fatal("expected hash over normalized fields")
	}
}

func TestNormalizeReportsEveryInvalidField(t *testing.T) {
	cases := []struct {
		name string
		row  Row
		want []string
	}{
		{
			name: "invalid phone",
			row:  Row{FirstName: "John", LastName: "Doe", Phone: "abc", DOB: "1990-01-01"},
			want: []string{ErrMsgInvalidPhone},
		},
		{
			name: "missing fields",
			row:  Row{FirstName: "John", Phone: "6502530000"},
			want: []string{"Missing required field: lastName", "Missing required field: dob"},
		},
		{
			name: "bad date and phone",
			row:  Row{FirstName: "John", LastName: "Doe", Phone: "123", DOB: "not a date"},
			want: []string{ErrMsgInvalidPhone, ErrMsgInvalidDOB},
		},
	}

	for _, tc := range cases {
		_, err := Normalize(tc.row)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if len(verr.Reasons) != len(tc.want) {
			t.Fatalf("%s: expected reasons %v, got %v", tc.name, tc.want, verr.Reasons)
		}
		for i := range tc.want {
			if verr.Reasons[i] != tc.want[i] {
				t.Errorf("%s: expected reason %q, got %q", tc.name, tc.want[i], verr.Reasons[i])
			}
		}
	}
}

func TestNormalizeDOBLayouts(t *testing.T) {
	for _, raw := range []string{"1990-01-31", "1990/01/31", "01/31/1990", "1/31/1990", "Jan 31, 1990", "1990-01-31T00:00:00Z"} {
		got, err := NormalizeDOB(raw)
		if err != nil {
			t.Errorf("NormalizeDOB(%q) returned error: %v", raw, err)
			continue
		}
		if got != "1990-01-31" {
			t.Errorf("NormalizeDOB(%q) = %q, want 1990-01-31", raw, got)
		}
	}
}
