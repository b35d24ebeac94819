package codex

import (
	"testing"
)

// TestParseLine_Classification 覆盖四种合法形状与各种无法识别的输入。
func TestParseLine_Classification(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    MessageKind
		wantErr bool
	}{
		{"notification", `{"method":"turn/started","params":{"turnId":"t1"}}`, KindNotification, false},
		{"notification without params", `{"method":"thread/started"}`, KindNotification, false},
		{"request numeric id", `{"id":7,"method":"item/tool/call","params":{}}`, KindRequest, false},
		{"request string id", `{"id":"srv-1","method":"applyPatchApproval"}`, KindRequest, false},
		{"request null id", `{"id":null,"method":"x"}`, KindUnrecognized, false},
		{"empty method", `{"method":""}`, KindUnrecognized, false},
		{"method not string", `{"method":42}`, KindUnrecognized, false},
		{"success", `{"id":1,"result":{"threads":[]}}`, KindSuccessResponse, false},
		{"success null result", `{"id":1,"result":null}`, KindSuccessResponse, false},
		{"success string id", `{"id":"a","result":true}`, KindSuccessResponse, false},
		{"success null id", `{"id":null,"result":{}}`, KindUnrecognized, false},
		{"success with null error", `{"id":1,"result":{"threads":[]},"error":null}`, KindSuccessResponse, false},
		{"null error without result", `{"id":1,"error":null}`, KindUnrecognized, false},
		{"error", `{"id":2,"error":{"code":-32000,"message":"boom","data":{"x":1}}}`, KindErrorResponse, false},
		{"error null id", `{"id":null,"error":{"code":-32700,"message":"parse error"}}`, KindErrorResponse, false},
		{"error code not number", `{"id":2,"error":{"code":"E1","message":"boom"}}`, KindUnrecognized, false},
		{"error missing message", `{"id":2,"error":{"code":1}}`, KindUnrecognized, false},
		{"error not object", `{"id":2,"error":"boom"}`, KindUnrecognized, false},
		{"id only", `{"id":3}`, KindUnrecognized, false},
		{"empty object", `{}`, KindUnrecognized, false},
		{"array", `[1,2,3]`, KindUnrecognized, false},
		{"number", `42`, KindUnrecognized, false},
		{"invalid json", `not json`, KindUnrecognized, true},
		{"truncated json", `{"id":1,"result":`, KindUnrecognized, true},
		{"surrounding whitespace", "  {\"method\":\"m\"}\r\n", KindNotification, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseLine([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine(%q) err = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if msg.Kind != tt.want {
				t.Errorf("ParseLine(%q) kind = %s, want %s", tt.line, msg.Kind, tt.want)
			}
		})
	}
}

func TestParseLine_ExtractsFields(t *testing.T) {
	msg, err := ParseLine([]byte(`{"id":2,"error":{"code":-32000,"message":"boom","data":{"x":1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Error == nil || msg.Error.Code != -32000 || msg.Error.Message != "boom" {
		t.Fatalf("Error = %+v", msg.Error)
	}
	if string(msg.Error.Data) != `{"x":1}` {
		t.Errorf("Data = %s", msg.Error.Data)
	}

	msg, _ = ParseLine([]byte(`{"id":"srv-1","method":"item/tool/call","params":{"tool":"ls"}}`))
	if msg.Method != "item/tool/call" || string(msg.ID) != `"srv-1"` || string(msg.Params) != `{"tool":"ls"}` {
		t.Errorf("request fields = %+v", msg)
	}
}

func TestMessage_IntID(t *testing.T) {
	tests := []struct {
		id     string
		want   int64
		wantOK bool
	}{
		{`12`, 12, true},
		{`-3`, -3, true},
		{`"12"`, 0, false},
		{`null`, 0, false},
		{`1.5`, 0, false},
		{``, 0, false},
	}
	for _, tt := range tests {
		got, ok := Message{ID: []byte(tt.id)}.IntID()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("IntID(%s) = (%d, %v), want (%d, %v)", tt.id, got, ok, tt.want, tt.wantOK)
		}
	}
}
