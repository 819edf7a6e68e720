package protocol

import "testing"

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte(`{"type":"ping","seq":1}`))
	f.Add([]byte(`{"type":"approval_response","requestId":"r1","approved":true}`))
	f.Add([]byte(`{"type":"question_answer","request_id":"q1","answer":[0,2]}`))
	f.Add([]byte(`{"type":"state_sync","approvals":[],"sessionActive":true}`))
	f.Add([]byte(`{"seq":2}`))
	f.Add([]byte(`not json`))
	f.Add([]byte(`{"type":"question_answer","answer":"HANDLE_ON_MAC"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := DecodeFrame(data)
		if err != nil {
			return
		}
		if frame.Type == "" {
			t.Fatal("decoded frame with empty type")
		}
		// Re-encoding a decoded frame must always succeed.
		if _, err := EncodeFrame(frame); err != nil {
			t.Fatalf("re-encode: %v", err)
		}
	})
}

func FuzzDecodeCompat(f *testing.F) {
	f.Add([]byte(`{"pairing_id":"p1","id":"r1","title":"t","created_at":"2026-01-02T15:04:05Z"}`))
	f.Add([]byte(`{"pairingId":"p1","answer":2}`))
	f.Add([]byte(`{"answer":"HANDLE_ON_MAC"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`{}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		var req ApprovalCreateRequest
		// Must never panic, whatever the input.
		_ = DecodeCompat(data, &req)
	})
}
