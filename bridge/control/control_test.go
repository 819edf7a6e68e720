package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestParseClassification(t *testing.T) {
	passthrough := []string{
		"",
		"   ",
		"building project...",
		`not json {`,
		`{"broken":`,
		`{"type":"status","request_id":"r1"}`,
		`[1,2,3]`,
	}
	for _, line := range passthrough {
		if msg, ok := Parse([]byte(line)); ok {
			t.Fatalf("line %q parsed as control message %+v", line, msg)
		}
	}

	msg, ok := Parse([]byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`))
	if !ok {
		t.Fatalf("control_request not recognized")
	}
	if msg.Type != TypeControlRequest || msg.RequestID != "r1" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if msg.Request == nil || msg.Request.Subtype != SubtypeCanUseTool || msg.Request.ToolName != "Bash" {
		t.Fatalf("unexpected body: %+v", msg.Request)
	}
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(msg.Request.Input, &in); err != nil || in.Command != "ls" {
		t.Fatalf("input not preserved: %s err=%v", msg.Request.Input, err)
	}

	cancel, ok := Parse([]byte(`  {"type":"control_cancel_request","request_id":"r2"}` + "\r"))
	if !ok || cancel.Type != TypeControlCancelRequest || cancel.RequestID != "r2" {
		t.Fatalf("cancel not recognized: %+v ok=%v", cancel, ok)
	}
}

func TestRequestValidate(t *testing.T) {
	good := &Request{
		Type:      TypeControlRequest,
		RequestID: "r1",
		Request:   &RequestBody{Subtype: SubtypeCanUseTool, ToolName: "Bash"},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if err := (&Request{Type: TypeControlCancelRequest, RequestID: "r2"}).Validate(); err != nil {
		t.Fatalf("valid cancel rejected: %v", err)
	}

	bad := []*Request{
		{Type: TypeControlRequest},
		{Type: TypeControlCancelRequest},
		{Type: TypeControlRequest, RequestID: "r1"},
		{Type: TypeControlRequest, RequestID: "r1", Request: &RequestBody{Subtype: "hook", ToolName: "Bash"}},
		{Type: TypeControlRequest, RequestID: "r1", Request: &RequestBody{Subtype: SubtypeCanUseTool}},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestScanner(t *testing.T) {
	input := "plain output\n{\"type\":\"control_request\",\"request_id\":\"r1\"}\nlast"
	sc := NewScanner(strings.NewReader(input))

	line, err := sc.Next()
	if err != nil || string(line) != "plain output" {
		t.Fatalf("line 1: %q err=%v", line, err)
	}
	line, err = sc.Next()
	if err != nil {
		t.Fatalf("line 2: %v", err)
	}
	if _, ok := Parse(line); !ok {
		t.Fatalf("line 2 should parse as control")
	}
	line, err = sc.Next()
	if err != nil || string(line) != "last" {
		t.Fatalf("line 3: %q err=%v", line, err)
	}
	if _, err := sc.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestScannerLineTooLong(t *testing.T) {
	sc := NewScanner(strings.NewReader(strings.Repeat("a", MaxLineBytes+1)))
	if _, err := sc.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestWriterResult(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteResult("r1", Allow(json.RawMessage(`{"command":"ls"}`))); err != nil {
		t.Fatalf("write: %v", err)
	}
	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("missing trailing newline: %q", line)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var typ string
	if err := json.Unmarshal(raw["type"], &typ); err != nil || typ != TypeControlResponse {
		t.Fatalf("type = %s", raw["type"])
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw["response"], &body); err != nil {
		t.Fatalf("response body: %v", err)
	}
	if string(body["subtype"]) != `"success"` || string(body["request_id"]) != `"r1"` {
		t.Fatalf("envelope keys wrong: %v", body)
	}
	if _, ok := body["error"]; ok {
		t.Fatalf("success response carries error key")
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(body["response"], &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if string(result["behavior"]) != `"allow"` {
		t.Fatalf("behavior = %s", result["behavior"])
	}
	if string(result["updatedInput"]) != `{"command":"ls"}` {
		t.Fatalf("updatedInput = %s", result["updatedInput"])
	}
}

func TestWriterError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteError("r9", "no session"); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Response.Subtype != SubtypeError || resp.Response.RequestID != "r9" || resp.Response.Error != "no session" {
		t.Fatalf("unexpected error response: %+v", resp.Response)
	}
	if resp.Response.Response != nil {
		t.Fatalf("error response carries a result")
	}
}

func TestWriterConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.WriteResult(fmt.Sprintf("r%d", i), Deny("busy")); err != nil {
				t.Errorf("write %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	sc := NewScanner(&buf)
	for {
		line, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("interleaved line %q: %v", line, err)
		}
		seen[resp.Response.RequestID] = true
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 whole lines, got %d", len(seen))
	}
}

func TestWithAnswers(t *testing.T) {
	updated, err := WithAnswers(json.RawMessage(`{"question":"Pick","options":[{"label":"a"}]}`), "r1", []string{"0", "2"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var out struct {
		Question string              `json:"question"`
		Answers  map[string][]string `json:"answers"`
	}
	if err := json.Unmarshal(updated, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Question != "Pick" {
		t.Fatalf("original keys lost: %s", updated)
	}
	got := out.Answers["r1"]
	if len(got) != 2 || got[0] != "0" || got[1] != "2" {
		t.Fatalf("answers = %v", out.Answers)
	}

	fresh, err := WithAnswers(nil, "r2", nil)
	if err != nil {
		t.Fatalf("nil input: %v", err)
	}
	if err := json.Unmarshal(fresh, &out); err != nil {
		t.Fatalf("decode fresh: %v", err)
	}
	if got, ok := out.Answers["r2"]; !ok || len(got) != 0 {
		t.Fatalf("empty answers missing: %s", fresh)
	}

	if _, err := WithAnswers(json.RawMessage(`[1,2]`), "r3", nil); err == nil {
		t.Fatalf("non-object input accepted")
	}
}
