package rooms

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestDirectory_SecondJoinReportsFirstMember(t *testing.T) {
	d := NewDirectory()

	role, peer, err := d.Add("abc123", "A")
	if err != nil {
		t.Fatalf("add A: %v", err)
	}
	if role != RoleJoiner || peer != "" {
		t.Fatalf("first join = %q, %q; want joiner with no peer", role, peer)
	}

	role, peer, err = d.Add("abc123", "B")
	if err != nil {
		t.Fatalf("add B: %v", err)
	}
	if role != RoleJoiner || peer != "A" {
		t.Fatalf("second join = %q, %q; want joiner with peer A", role, peer)
	}
}

func TestDirectory_ThirdJoinRejected(t *testing.T) {
	d := NewDirectory()
	_, _, _ = d.Add("abc123", "A")
	_, _, _ = d.Add("abc123", "B")

	if _, _, err := d.Add("abc123", "C"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join err = %v, want ErrRoomFull", err)
	}
	if got := d.Members("abc123"); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("members = %v", got)
	}
}

func TestDirectory_RejoinDoesNotDuplicate(t *testing.T) {
	d := NewDirectory()
	_, _, _ = d.Add("abc123", "A")
	_, _, _ = d.Add("abc123", "B")

	_, peer, err := d.Add("abc123", "B")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if peer != "A" {
		t.Fatalf("rejoin peer = %q, want A", peer)
	}
	if got := d.Members("abc123"); len(got) != 2 {
		t.Fatalf("members = %v", got)
	}

	if _, peer, _ := d.Add("abc123", "A"); peer != "" {
		t.Fatalf("first member rejoin peer = %q, want none", peer)
	}
}

func TestDirectory_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	for round := 0; round < 50; round++ {
		d := NewDirectory()

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, _, err := d.Add("race", fmt.Sprintf("s%d", i)); err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if admitted != Capacity {
			t.Fatalf("round %d: admitted %d sessions, want %d", round, admitted, Capacity)
		}
		if got := len(d.Members("race")); got != Capacity {
			t.Fatalf("round %d: %d members", round, got)
		}
	}
}

func TestDirectory_RemoveDeletesEmptyRoom(t *testing.T) {
	d := NewDirectory()
	_, _, _ = d.Add("abc123", "A")
	_, _, _ = d.Add("abc123", "B")

	if remaining := d.Remove("abc123", "A"); remaining != "B" {
		t.Fatalf("remaining = %q, want B", remaining)
	}
	if got := d.Members("abc123"); len(got) != 1 || got[0] != "B" {
		t.Fatalf("members = %v", got)
	}
	if remaining := d.Remove("abc123", "B"); remaining != "" {
		t.Fatalf("remaining = %q, want none", remaining)
	}
	if d.Len() != 0 {
		t.Fatalf("empty room not deleted")
	}
	if remaining := d.Remove("abc123", "B"); remaining != "" {
		t.Fatalf("remove from missing room = %q", remaining)
	}
}

func TestDirectory_Peer(t *testing.T) {
	d := NewDirectory()
	_, _, _ = d.Add("abc123", "A")

	if _, ok := d.Peer("abc123", "A"); ok {
		t.Fatalf("peer reported for single-member room")
	}
	_, _, _ = d.Add("abc123", "B")

	if p, ok := d.Peer("abc123", "A"); !ok || p != "B" {
		t.Fatalf("Peer(A) = %q, %v", p, ok)
	}
	if p, ok := d.Peer("abc123", "B"); !ok || p != "A" {
		t.Fatalf("Peer(B) = %q, %v", p, ok)
	}
	if _, ok := d.Peer("abc123", "C"); ok {
		t.Fatalf("peer reported for non-member")
	}
}

func TestDirectory_ChurnLeavesNoRooms(t *testing.T) {
	d := NewDirectory()
	for i := 0; i < 100; i++ {
		room := fmt.Sprintf("room-%d", i)
		_, _, _ = d.Add(room, "A")
		_, _, _ = d.Add(room, "B")
		d.Remove(room, "B")
		d.Remove(room, "A")
	}
	if d.Len() != 0 {
		t.Fatalf("%d rooms left after churn", d.Len())
	}
}
