package kmp

import "testing"

func TestTypeFromID_Known(t *testing.T) {
	tests := []struct {
		id   uint8
		want MessageType
	}{
		{1, TypeMKA},
		{2, TypeRadiusMKA},
		{6, TypeFourWayHandshake},
		{7, TypeGroupKeyHandshake},
		{8, TypeTLS},
		{9, TypeRadiusClient},
		{10, TypeMsgProt},
		{11, TypeInitialKey},
	}

	for _, tc := range tests {
		if got := TypeFromID(tc.id); got != tc.want {
			t.Errorf("TypeFromID(%d) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestTypeFromID_Unknown(t *testing.T) {
	for _, id := range []uint8{0, 3, 4, 5, 12, 0x80, 0xff} {
		if got := TypeFromID(id); got != TypeNone {
			t.Errorf("TypeFromID(%d) = %v, want TypeNone", id, got)
		}
	}
}

func TestMessageType_String(t *testing.T) {
	if got := TypeMKA.String(); got != "mka" {
		t.Errorf("TypeMKA.String() = %q", got)
	}
	if got := TypeNone.String(); got != "none" {
		t.Errorf("TypeNone.String() = %q", got)
	}
	if got := MessageType(200).String(); got != "unknown(200)" {
		t.Errorf("MessageType(200).String() = %q", got)
	}
}
