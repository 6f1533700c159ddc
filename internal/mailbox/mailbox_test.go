package mailbox

import (
	"sync"
	"testing"
)

func TestLatestWins(t *testing.T) {
	var box Mailbox[int]
	if box.Take() != nil {
		t.Fatalf("zero mailbox should be empty")
	}
	for i := 1; i <= 5; i++ {
		v := i
		box.Put(&v)
	}
	got := box.Take()
	if got == nil || *got != 5 {
		t.Fatalf("expected latest value 5, got %v", got)
	}
	if box.Take() != nil {
		t.Fatalf("take should clear the slot")
	}
	if box.Superseded() != 4 || box.Puts() != 5 {
		t.Fatalf("unexpected counters: superseded=%d puts=%d", box.Superseded(), box.Puts())
	}
}

func TestPutReportsSupersede(t *testing.T) {
	var box Mailbox[string]
	a, b := "a", "b"
	if box.Put(&a) {
		t.Fatalf("first put should not supersede")
	}
	if !box.Put(&b) {
		t.Fatalf("second put should supersede")
	}
	if !box.Pending() {
		t.Fatalf("expected pending value")
	}
}

func TestConcurrentWriterReader(t *testing.T) {
	var box Mailbox[int]
	const n = 10000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			v := i
			box.Put(&v)
		}
	}()

	last := 0
	taken := uint64(0)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if v := box.Take(); v != nil {
			if *v <= last {
				t.Fatalf("values went backwards: %d after %d", *v, last)
			}
			last = *v
			taken++
		}
		select {
		case <-done:
			if v := box.Take(); v != nil {
				last = *v
				taken++
			}
			if last != n {
				t.Fatalf("final value %d, want %d", last, n)
			}
			if taken+box.Superseded() != n {
				t.Fatalf("taken %d + superseded %d != %d", taken, box.Superseded(), n)
			}
			return
		default:
		}
	}
}
