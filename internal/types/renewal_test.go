package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"tcp", ProtocolTCP, false},
		{"UDP", ProtocolUDP, false},
		{" Tcp ", ProtocolTCP, false},
		{"sctp", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseProtocol(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProtocol(%q) 错误 = %v, 期望错误 %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProtocol(%q) = %q, 期望 %q", tt.in, got, tt.want)
		}
	}
}

func TestRenewalRequestWireFormat(t *testing.T) {
	body, err := json.Marshal(RenewalRequest{InternalPort: 51413, Protocol: ProtocolUDP, Duration: 60})
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}

	want := `{"internal_port":51413,"protocol":"udp","duration":60}`
	if string(body) != want {
		t.Errorf("请求体 = %s, 期望 %s", body, want)
	}
}

func TestOutcomeReason(t *testing.T) {
	transport := Outcome{Protocol: ProtocolTCP, Err: errors.New("connection refused")}
	if !transport.TransportFailure() {
		t.Error("无状态码且有错误时应为传输层失败")
	}
	if transport.Reason() != "connection refused" {
		t.Errorf("原因 = %q", transport.Reason())
	}

	status := Outcome{Protocol: ProtocolTCP, StatusCode: 503}
	if status.TransportFailure() {
		t.Error("HTTP失败不应视为传输层失败")
	}
	if status.Reason() != "HTTP 503" {
		t.Errorf("原因 = %q", status.Reason())
	}

	if (Outcome{Success: true, StatusCode: 200}).Reason() != "" {
		t.Error("成功结果不应有失败原因")
	}
}

func TestCycleResultOutcome(t *testing.T) {
	result := CycleResult{
		AnySuccess: true,
		Outcomes: []Outcome{
			{Protocol: ProtocolTCP, Success: true, ExternalPort: 40000},
			{Protocol: ProtocolUDP, StatusCode: 500},
		},
	}

	udp, ok := result.Outcome(ProtocolUDP)
	if !ok || udp.Success {
		t.Errorf("UDP结果 = %+v, %v", udp, ok)
	}

	if _, ok := (CycleResult{}).Outcome(ProtocolTCP); ok {
		t.Error("空结果中不应找到协议")
	}
}

func TestOutcomeMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Outcome{
		Protocol:     ProtocolTCP,
		Success:      true,
		ExternalPort: 40000,
		StatusCode:   200,
		Attempts:     2,
		Body:         []byte(`{"external_port":40000}`),
	})
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	if decoded["protocol"] != "tcp" || decoded["attempts"] != float64(2) {
		t.Errorf("输出 = %s", data)
	}
	if _, ok := decoded["response"]; !ok {
		t.Errorf("合法JSON响应应原样输出: %s", data)
	}
	if _, ok := decoded["error"]; ok {
		t.Errorf("成功结果不应包含error字段: %s", data)
	}
}
