package util

import "testing"

func TestLoggerPrefix(t *testing.T) {
	l := NewLogger("session")
	if l.prefix != "[session] " {
		t.Fatalf("prefix = %q", l.prefix)
	}

	scoped := l.With("1a2b3c4d")
	if scoped.prefix != "[session] (1a2b3c4d) " {
		t.Fatalf("scoped prefix = %q", scoped.prefix)
	}

	// Empty ids leave the logger untouched.
	if l.With("").prefix != l.prefix {
		t.Fatal("With(\"\") changed the prefix")
	}

	// The zero value must be usable.
	var zero Logger
	zero.Debug("zero logger %d", 1)
}
