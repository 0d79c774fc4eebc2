package network

import (
	"errors"
	"testing"
)

func TestSubscribeEncoding(t *testing.T) {
	payload, err := EncodeJSON(NewSubscribe(key(1), ""))
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	want := `{"action":"subscribe","wallet":"` + key(1).String() + `","group":null}`
	if string(payload) != want {
		t.Fatalf("expected %s, got %s", want, payload)
	}

	payload, err = EncodeJSON(NewSubscribe(key(1), "group_5_abc"))
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	want = `{"action":"subscribe","wallet":"` + key(1).String() + `","group":"group_5_abc"}`
	if string(payload) != want {
		t.Fatalf("expected %s, got %s", want, payload)
	}
}

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		payload string
		kind    PushKind
		invalid bool
	}{
		{payload: `{"type":"MESSAGE_UPDATE"}`, kind: PushMessageUpdate},
		{payload: `{"type":"MESSAGE_UPDATE","extra":1}`, kind: PushMessageUpdate},
		{payload: `{"type":"message_update"}`, kind: PushIgnored},
		{payload: `{"event":"x"}`, kind: PushIgnored},
		{payload: `[1,2]`, kind: PushIgnored, invalid: true},
		{payload: `garbage`, kind: PushIgnored, invalid: true},
	}
	for _, tc := range cases {
		kind, err := DecodeInbound([]byte(tc.payload))
		if tc.invalid != errors.Is(err, ErrInvalidPushMessage) {
			t.Fatalf("%s: unexpected error %v", tc.payload, err)
		}
		if kind != tc.kind {
			t.Fatalf("%s: expected %s, got %s", tc.payload, tc.kind, kind)
		}
	}
}
