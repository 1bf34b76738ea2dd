package normalize

import "testing"

func TestUser(t *testing.T) {
	valid := []struct{ user, norm string }{
		{"ÑAndÚ", "ñandú"},
		{"Pingüino", "pingüino"},
	}
	for _, c := range valid {
		nu, err := User(c.user)
		if nu != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.user, nu, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.user, err)
		}

	}

	invalid := []string{
		"á é", "a\te", "x ", "x\xa0y", "x\x85y", "x\vy", "x\fy", "x\ry",
		"henry\u2163", "\u265a", "\u00b9",
	}
	for _, u := range invalid {
		nu, err := User(u)
		if err == nil {
			t.Errorf("expected User(%+q) to fail, but did not", u)
		}
		if nu != u {
			t.Errorf("%+q failed norm, but returned %+q", u, nu)
		}
	}
}

func TestAddr(t *testing.T) {
	valid := []struct{ user, norm string }{
		{"ÑAndÚ@pampa", "ñandú@pampa"},
		{"Pingüino@patagonia", "pingüino@patagonia"},
	}
	for _, c := range valid {
		nu, err := Addr(c.user)
		if nu != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.user, nu, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.user, err)
		}

	}

	invalid := []string{
		"á é@i", "henry\u2163@throne",
	}
	for _, u := range invalid {
		nu, err := Addr(u)
		if err == nil {
			t.Errorf("expected Addr(%+q) to fail, but did not", u)
		}
		if nu != u {
			t.Errorf("%+q failed norm, but returned %+q", u, nu)
		}
	}
}

func TestDomainToUnicode(t *testing.T) {
	cases := []struct{ in, out string }{
		{"user@xn--ida.example", "user@ñ.example"},
		{"user@example.com", "user@example.com"},
		{"no-domain", "no-domain"},
	}
	for _, c := range cases {
		got, err := DomainToUnicode(c.in)
		if err != nil {
			t.Errorf("DomainToUnicode(%q): %v", c.in, err)
		}
		if got != c.out {
			t.Errorf("DomainToUnicode(%q) = %q, want %q", c.in, got, c.out)
		}
	}
}

func TestStripDropsAndSuffix(t *testing.T) {
	cases := []struct{ addr, drops, sep, want string }{
		{"user+tag@example.com", "", "+", "user@example.com"},
		{"u.s.e.r@example.com", ".", "", "user@example.com"},
		{"plain@example.com", ".", "+", "plain@example.com"},
	}
	for _, c := range cases {
		got := StripDropsAndSuffix(c.addr, c.drops, c.sep)
		if got != c.want {
			t.Errorf("StripDropsAndSuffix(%q) = %q, want %q", c.addr, got, c.want)
		}
	}
}
