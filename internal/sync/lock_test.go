package sync

import "testing"

func TestLockMutualExclusion(t *testing.T) {
	var l Lock

	id, ok := l.TryAcquire()
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if id == "" {
		t.Error("acquire should return a sync id")
	}
	if !l.Held() {
		t.Error("lock should report held")
	}

	if _, ok := l.TryAcquire(); ok {
		t.Error("second acquire while held should fail")
	}

	l.Release()
	if l.Held() {
		t.Error("lock should be free after release")
	}

	id2, ok := l.TryAcquire()
	if !ok {
		t.Fatal("reacquire after release should succeed")
	}
	if id2 == id {
		t.Error("each acquisition should mint a fresh sync id")
	}
}

func TestLockReleaseIdempotent(t *testing.T) {
	var l Lock
	l.Release()
	l.Release()
	if _, ok := l.TryAcquire(); !ok {
		t.Error("lock should still be acquirable")
	}
}
