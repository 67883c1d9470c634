package sanitize

import "testing"

func TestPersonName(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{" JOHN ", "John"},
		{"john", "John"},
		{"mary-ANN", "Mary-Ann"},
		{"  de   la  cruz ", "De La Cruz"},
		{"O'Neil", "Oneil"},
		{"jean-luc  picard3", "Jean-Luc Picard"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := PersonName(tc.input); got != tc.want {
			t.Errorf("PersonName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestTextStripsMarkup(t *testing.T) {
	if got := Text("<b>voicemail</b> &lt;script&gt;x&lt;/script&gt;"); got != "voicemail x" {
		t.Fatalf("unexpected sanitized text %q", got)
	}
}
