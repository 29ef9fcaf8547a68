package cycle

import (
	"context"
	"testing"

	"natpmp-renewer/internal/types"

	"github.com/sirupsen/logrus/hooks/test"
)

type fakeRenewer struct {
	results map[types.Protocol]bool
	calls   []types.Protocol
	onRenew func(types.Protocol)
}

func (f *fakeRenewer) Renew(ctx context.Context, protocol types.Protocol) types.Outcome {
	f.calls = append(f.calls, protocol)
	if f.onRenew != nil {
		f.onRenew(protocol)
	}
	if f.results[protocol] {
		return types.Outcome{Protocol: protocol, Success: true, StatusCode: 200, Attempts: 1}
	}
	return types.Outcome{Protocol: protocol, StatusCode: 500, Attempts: 4}
}

func TestRunAnySuccess(t *testing.T) {
	both := []types.Protocol{types.ProtocolTCP, types.ProtocolUDP}

	tests := []struct {
		name      string
		protocols []types.Protocol
		results   map[types.Protocol]bool
		want      bool
	}{
		{"全部成功", both, map[types.Protocol]bool{types.ProtocolTCP: true, types.ProtocolUDP: true}, true},
		{"仅TCP成功", both, map[types.Protocol]bool{types.ProtocolTCP: true}, true},
		{"仅UDP成功", both, map[types.Protocol]bool{types.ProtocolUDP: true}, true},
		{"全部失败", both, map[types.Protocol]bool{}, false},
		{"仅启用UDP且失败", []types.Protocol{types.ProtocolUDP}, map[types.Protocol]bool{types.ProtocolTCP: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := test.NewNullLogger()
			renewer := &fakeRenewer{results: tt.results}

			result := NewRunner(renewer, tt.protocols, logger).Run(context.Background())

			if result.AnySuccess != tt.want {
				t.Errorf("AnySuccess = %v, 期望 %v", result.AnySuccess, tt.want)
			}
			if len(result.Outcomes) != len(tt.protocols) {
				t.Fatalf("结果数量 = %d, 期望 %d", len(result.Outcomes), len(tt.protocols))
			}
			for i, p := range tt.protocols {
				if result.Outcomes[i].Protocol != p || renewer.calls[i] != p {
					t.Errorf("第%d个协议 = %s, 期望 %s", i, result.Outcomes[i].Protocol, p)
				}
			}
		})
	}
}

func TestRunDoesNotShortCircuit(t *testing.T) {
	logger, _ := test.NewNullLogger()
	renewer := &fakeRenewer{results: map[types.Protocol]bool{types.ProtocolUDP: true}}

	result := NewRunner(renewer, []types.Protocol{types.ProtocolTCP, types.ProtocolUDP}, logger).Run(context.Background())

	if len(renewer.calls) != 2 {
		t.Fatalf("TCP失败后仍应续期UDP, 调用 = %v", renewer.calls)
	}
	tcp, _ := result.Outcome(types.ProtocolTCP)
	udp, _ := result.Outcome(types.ProtocolUDP)
	if tcp.Success || !udp.Success {
		t.Errorf("tcp=%+v udp=%+v", tcp, udp)
	}
}

func TestRunSkipsRemainingAfterCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	renewer := &fakeRenewer{
		results: map[types.Protocol]bool{},
		onRenew: func(types.Protocol) { cancel() },
	}

	result := NewRunner(renewer, []types.Protocol{types.ProtocolTCP, types.ProtocolUDP}, logger).Run(ctx)

	if len(renewer.calls) != 1 || len(result.Outcomes) != 1 {
		t.Errorf("取消后不应继续续期, 调用 = %v", renewer.calls)
	}
}

func TestRunLogsCycleSummary(t *testing.T) {
	logger, hook := test.NewNullLogger()
	renewer := &fakeRenewer{results: map[types.Protocol]bool{types.ProtocolTCP: true}}

	NewRunner(renewer, []types.Protocol{types.ProtocolTCP, types.ProtocolUDP}, logger).Run(context.Background())

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("应记录本轮汇总日志")
	}
	if entry.Data["tcp"] != "ok" || entry.Data["udp"] != "failed: HTTP 500" {
		t.Errorf("汇总字段 = %v", entry.Data)
	}
}
