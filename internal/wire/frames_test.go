package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeCreateRoom(t *testing.T) {
	data := []byte(`{"type":"create_room","content":{"receivers":["bob"],"room_type":false,"group_name":""}}`)
	req, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	create, ok := req.(*CreateRoom)
	if !ok {
		t.Fatalf("expected *CreateRoom, got %T", req)
	}
	if len(create.Receivers) != 1 || create.Receivers[0] != "bob" {
		t.Fatalf("unexpected receivers: %v", create.Receivers)
	}
	if create.RoomType {
		t.Fatal("expected direct room")
	}
}

func TestDecodeSendMsg(t *testing.T) {
	data := []byte(`{"type":"send_msg","content":{"room_id":4,"receiver":"bob","message":"deadbeef","iv":"0102"}}`)
	req, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, ok := req.(*SendMsg)
	if !ok {
		t.Fatalf("expected *SendMsg, got %T", req)
	}
	if msg.RoomID != 4 || msg.Receiver != "bob" || msg.Message != "deadbeef" || msg.IV != "0102" {
		t.Fatalf("unexpected payload: %+v", msg)
	}
}

func TestDecodeKeyChangeWithoutContent(t *testing.T) {
	req, err := Decode([]byte(`{"type":"pk_key_change"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := req.(*KeyChange); !ok {
		t.Fatalf("expected *KeyChange, got %T", req)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","content":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	var uerr *UnknownTypeError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if uerr.Type != "teleport" {
		t.Fatalf("expected tag in error, got %q", uerr.Type)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if _, err := Decode([]byte(`{"type":"join_room","content":"nope"}`)); err == nil {
		t.Fatal("expected error for mistyped content")
	}
}

func TestOutboundFrameShapes(t *testing.T) {
	frame := NewRequest("alice", 12, 5, "study", true)
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"new_request","content":["alice",12,5,"study",true]}`
	if string(data) != want {
		t.Fatalf("unexpected frame: %s", data)
	}

	frame = MembersChanged()
	data, err = json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"update_members"}` {
		t.Fatalf("update_members must carry no content, got %s", data)
	}

	frame = Presence([]string{"alice", "bob"})
	data, err = json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"broadcast","content":["alice","bob"]}` {
		t.Fatalf("unexpected broadcast frame: %s", data)
	}
}
