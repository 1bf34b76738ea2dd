package reply

import "testing"

func TestFormatSingleLine(t *testing.T) {
	got := string(Format(250, "OK"))
	want := "250 OK\r\n"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatMultiLine(t *testing.T) {
	got := string(Format(250, "mx.example.org Hello\nPIPELINING\nSIZE 1000"))
	want := "250-mx.example.org Hello\r\n250-PIPELINING\r\n250 SIZE 1000\r\n"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestBuffer(t *testing.T) {
	var b Buffer
	if !b.Empty() {
		t.Fatal("new Buffer should be empty")
	}
	b.Add(250, "first")
	b.Add(354, "second")
	want := "250 first\r\n354 second\r\n"
	if got := string(b.Bytes()); got != want {
		t.Errorf("Bytes = %q, want %q", got, want)
	}
	if b.Empty() {
		t.Fatal("Buffer with queued replies should not be empty")
	}
	b.Reset()
	if !b.Empty() {
		t.Fatal("Buffer should be empty after Reset")
	}
}

func TestCodeClass(t *testing.T) {
	cases := map[int]int{250: 2, 354: 3, 450: 4, 550: 5}
	for code, want := range cases {
		if got := CodeClass(code); got != want {
			t.Errorf("CodeClass(%d) = %d, want %d", code, got, want)
		}
	}
}

func TestString(t *testing.T) {
	if got := String(221, "Bye"); got != "221 Bye" {
		t.Errorf("String = %q, want %q", got, "221 Bye")
	}
}
