package chat

import "testing"

func TestMembershipChecks(t *testing.T) {
	room := &Room{
		ID:      7,
		Name:    "study group",
		Kind:    KindGroup,
		Owner:   "alice",
		Members: []string{"alice", "bob"},
	}

	if !IsMember(room, "alice") || !IsMember(room, "bob") {
		t.Fatal("expected alice and bob to be members")
	}
	if IsMember(room, "carol") {
		t.Fatal("carol is not a member")
	}
	if IsMember(nil, "alice") {
		t.Fatal("nil room has no members")
	}

	if !IsOwner(room, "alice") {
		t.Fatal("alice owns the room")
	}
	if IsOwner(room, "bob") {
		t.Fatal("bob does not own the room")
	}
}

func TestCanModifyMembership(t *testing.T) {
	cases := []struct {
		name  string
		kind  RoomKind
		actor string
		want  bool
	}{
		{"group owner", KindGroup, "alice", true},
		{"group non-owner", KindGroup, "bob", false},
		{"direct owner", KindDirect, "alice", false},
		{"direct non-owner", KindDirect, "bob", false},
		{"outsider", KindGroup, "carol", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			room := &Room{Kind: tc.kind, Owner: "alice", Members: []string{"alice", "bob"}}
			if got := CanModifyMembership(room, tc.actor); got != tc.want {
				t.Fatalf("CanModifyMembership(%s) = %v, want %v", tc.actor, got, tc.want)
			}
		})
	}
}
