package cycle

import (
	"context"
	"time"

	"natpmp-renewer/internal/types"

	"github.com/sirupsen/logrus"
)

// ProtocolRenewer 续期单个协议，*renewer.Renewer 实现了该接口
type ProtocolRenewer interface {
	Renew(ctx context.Context, protocol types.Protocol) types.Outcome
}

// Runner 每轮按顺序续期所有启用的协议
type Runner struct {
	renewer   ProtocolRenewer
	protocols []types.Protocol
	logger    *logrus.Logger
}

// NewRunner 创建轮次执行器，protocols 的顺序即续期顺序
func NewRunner(renewer ProtocolRenewer, protocols []types.Protocol, logger *logrus.Logger) *Runner {
	return &Runner{
		renewer:   renewer,
		protocols: append([]types.Protocol(nil), protocols...),
		logger:    logger,
	}
}

// Run 执行一轮续期
//
// 单个协议失败不影响其它协议；ctx 已取消时跳过尚未开始的协议。
// AnySuccess 当且仅当至少一个协议续期成功。
func (r *Runner) Run(ctx context.Context) types.CycleResult {
	start := time.Now()
	result := types.CycleResult{
		Outcomes: make([]types.Outcome, 0, len(r.protocols)),
	}

	for _, protocol := range r.protocols {
		if ctx.Err() != nil {
			r.logger.WithField("protocol", protocol).Debug("收到关闭信号，跳过剩余协议")
			break
		}

		outcome := r.renewer.Renew(ctx, protocol)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Success {
			result.AnySuccess = true
		}
	}

	fields := logrus.Fields{
		"success":  result.AnySuccess,
		"duration": time.Since(start).String(),
	}
	for _, outcome := range result.Outcomes {
		fields[outcome.Protocol.String()] = outcomeLabel(outcome)
	}

	if result.AnySuccess {
		r.logger.WithFields(fields).Info("本轮续期完成")
	} else {
		r.logger.WithFields(fields).Warn("本轮续期全部失败")
	}

	return result
}

func outcomeLabel(o types.Outcome) string {
	if o.Success {
		return "ok"
	}
	return "failed: " + o.Reason()
}
