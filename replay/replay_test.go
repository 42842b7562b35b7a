package replay

import "testing"

func TestAlreadyReceivedEmptyWindow(t *testing.T) {
	p := New()
	if p.AlreadyReceived(0) {
		t.Errorf("empty window should not report any sequence as already received")
	}
}

func TestAdvanceThenAlreadyReceived(t *testing.T) {
	p := New()
	for _, seq := range []uint64{0, 1, 5, 100} {
		p.Advance(seq)
		if !p.AlreadyReceived(seq) {
			t.Errorf("AlreadyReceived(%d) = false after Advance(%d)", seq, seq)
		}
	}
}

func TestOlderThanBaseRejected(t *testing.T) {
	p := New()
	p.Advance(1000)
	if !p.AlreadyReceived(1000 - WindowSize) {
		t.Errorf("sequence exactly WindowSize behind base should be treated as replay")
	}
	if p.AlreadyReceived(1000 - WindowSize + 1) {
		t.Errorf("sequence just inside the window should not be rejected before being seen")
	}
}

func TestWindowBoundaries(t *testing.T) {
	p := New()
	p.Advance(WindowSize - 1)
	if !p.AlreadyReceived(WindowSize - 1) {
		t.Errorf("WindowSize-1 should be marked received")
	}

	p.Advance(WindowSize)
	if !p.AlreadyReceived(WindowSize) {
		t.Errorf("WindowSize should be marked received")
	}

	p.Advance(WindowSize + 1)
	if !p.AlreadyReceived(WindowSize + 1) {
		t.Errorf("WindowSize+1 should be marked received")
	}
}

func TestCheckDoesNotPoisonWindow(t *testing.T) {
	p := New()
	p.Advance(10)
	// Merely checking a sequence must not mark it received.
	_ = p.AlreadyReceived(11)
	if p.AlreadyReceived(11) {
		t.Errorf("AlreadyReceived must not have side effects")
	}
}

func TestSlideClearsStaleBits(t *testing.T) {
	p := New()
	p.Advance(5)
	// Slide the window far enough that index 5%WindowSize is revisited
	// by a much later, never-actually-seen sequence.
	far := uint64(5 + WindowSize)
	if p.AlreadyReceived(far) {
		t.Fatalf("sequence far ahead of base should not appear already received before Advance")
	}
	p.Advance(far)
	if !p.AlreadyReceived(far) {
		t.Errorf("Advance(%d) should mark it received", far)
	}
}

func TestDuplicateWithinWindowDetected(t *testing.T) {
	p := New()
	p.Advance(50)
	p.Advance(51)
	if !p.AlreadyReceived(50) {
		t.Errorf("sequence 50 should still be detected as already received after advancing to 51")
	}
}
