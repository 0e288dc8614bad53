package worker

import (
	"sync/atomic"
	"testing"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	for i := 0; i < 2; i++ {
		if !p.TryGo(func() {
			started <- struct{}{}
			<-release
		}) {
			t.Fatalf("slot %d should be free", i)
		}
	}
	<-started
	<-started

	if p.TryGo(func() {}) {
		t.Fatal("third job should be rejected while both slots are busy")
	}
	if p.Free() != 0 || p.InFlight() != 2 {
		t.Errorf("free=%d inflight=%d", p.Free(), p.InFlight())
	}

	close(release)
	p.Wait()
	if p.Free() != 2 {
		t.Errorf("free after wait = %d, want 2", p.Free())
	}
}

func TestPoolWaitRunsAllJobs(t *testing.T) {
	p := NewPool(4)
	var n atomic.Int32
	for i := 0; i < 4; i++ {
		p.TryGo(func() { n.Add(1) })
	}
	p.Wait()
	if n.Load() != 4 {
		t.Errorf("ran %d jobs, want 4", n.Load())
	}
}
