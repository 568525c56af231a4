package hashing

import (
	"strings"
	"testing"
)

func TestSumString_Deterministic(t *testing.T) {
	a := SumString([]byte("hello"))
	b := SumString([]byte("hello"))
	if a != b {
		t.Errorf("SumString() not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(SumString()) = %d, want 64", len(a))
	}
	if a == SumString([]byte("hello!")) {
		t.Error("different inputs produced the same digest")
	}
}

func TestSumReader_MatchesSumString(t *testing.T) {
	got, err := SumReader(strings.NewReader("some document"))
	if err != nil {
		t.Fatalf("SumReader() failed: %v", err)
	}
	if want := SumString([]byte("some document")); got != want {
		t.Errorf("SumReader() = %q, want %q", got, want)
	}
}

func TestSumReader_Nil(t *testing.T) {
	if _, err := SumReader(nil); err == nil {
		t.Error("SumReader(nil) should fail")
	}
}
