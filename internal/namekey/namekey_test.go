package namekey

import "testing"

func TestServerNameLowercases(t *testing.T) {
	cases := []string{"Example.COM", "example.com", "EXAMPLE.COM"}
	want := NewServerName("example.com")
	for _, c := range cases {
		if got := NewServerName(c); !got.Equal(want) {
			t.Errorf("NewServerName(%q) = %q, want %q", c, got.String(), want.String())
		}
	}
}

func TestServerNameFromStringEqualsFromLowered(t *testing.T) {
	s := "MiXeD-Case.Example.org"
	if !NewServerName(s).Equal(NewServerName(stringsToLower(s))) {
		t.Errorf("ServerName::from(%q) should equal ServerName::from(lower(%q))", s, s)
	}
}

func stringsToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func TestPathNameStartsWithIsBytePrefixOnLowered(t *testing.T) {
	p := NewPathName("/API/v1/Users")
	prefix := NewPathName("/api/v1")
	if !p.StartsWith(prefix) {
		t.Errorf("expected %q to start with %q after lowercasing", p.String(), prefix.String())
	}
	if p.StartsWith(NewPathName("/api/v2")) {
		t.Errorf("did not expect %q to start with /api/v2", p.String())
	}
}

func TestPathNameGetAndLen(t *testing.T) {
	p := NewPathName("/abc")
	if p.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", p.Len())
	}
	if p.Get(0) != '/' || p.Get(1) != 'a' {
		t.Errorf("unexpected byte access")
	}
}

func TestPathNameIsEmpty(t *testing.T) {
	if !(PathName{}).IsEmpty() {
		t.Error("zero-value PathName should be empty")
	}
	if NewPathName("/").IsEmpty() {
		t.Error("/ should not be empty")
	}
}
