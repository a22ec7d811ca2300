package wire

import (
	"encoding/json"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name        string
		requestID   string
		payload     any
		wantPayload string
	}{
		{name: "with payload", requestID: "r1", payload: Error{Code: "NOT_FOUND", Message: "offer not found"}, wantPayload: `{"code":"NOT_FOUND","message":"offer not found"}`},
		{name: "nil payload", requestID: "r2"},
		{name: "unencodable payload", payload: make(chan int)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			if err := json.Unmarshal(Encode(TypeError, tt.requestID, tt.payload), &f); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Type != TypeError || f.RequestID != tt.requestID {
				t.Errorf("frame = %+v", f)
			}
			if string(f.Payload) != tt.wantPayload {
				t.Errorf("payload = %s, want %s", f.Payload, tt.wantPayload)
			}
		})
	}
}

func TestPushHasNoRequestID(t *testing.T) {
	data := Push(TypeOfferExpired, map[string]string{"id": "o1"})

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["requestId"]; ok {
		t.Error("push frame carries a requestId")
	}
	if string(raw["type"]) != `"offer.expired"` {
		t.Errorf("type = %s", raw["type"])
	}
}
