package nextutil

import "testing"

func TestSequenceGreaterThanWrap(t *testing.T) {
	if !SequenceGreaterThan(5, 250) {
		t.Errorf("expected sequence_greater_than(5, 250) = true (wrap)")
	}
	if SequenceGreaterThan(80, 100) {
		t.Errorf("expected sequence_greater_than(80, 100) = false")
	}
}

func TestSequenceLessThan(t *testing.T) {
	if !SequenceLessThan(250, 5) {
		t.Errorf("expected sequence_less_than(250, 5) = true")
	}
}
