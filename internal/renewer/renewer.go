package renewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"natpmp-renewer/internal/requester"
	"natpmp-renewer/internal/types"

	"github.com/sirupsen/logrus"
)

// ErrInterrupted 重试等待期间收到关闭信号
var ErrInterrupted = errors.New("续期重试被中断")

// Sender 发送单次HTTP请求，*requester.Requester 实现了该接口
type Sender interface {
	Send(ctx context.Context, url string, body []byte, headers map[string]string) (*requester.Response, error)
}

// Options 续期参数
type Options struct {
	URL          string
	InternalPort int
	Duration     int // 映射时长（秒）
	MaxRetries   int
	RetryDelay   time.Duration
	APIToken     string
}

// Renewer 单协议续期器：最多 MaxRetries+1 次尝试，首次成功即停止
type Renewer struct {
	sender  Sender
	options Options
	logger  *logrus.Logger
}

// NewRenewer 创建续期器
func NewRenewer(sender Sender, options Options, logger *logrus.Logger) *Renewer {
	return &Renewer{
		sender:  sender,
		options: options,
		logger:  logger,
	}
}

// Renew 续期指定协议的映射
//
// 传输错误与非2xx响应都转换为失败结果，不会返回错误。ctx 取消时
// 在重试等待处立即返回失败，不再发起后续尝试。
func (r *Renewer) Renew(ctx context.Context, protocol types.Protocol) types.Outcome {
	outcome := types.Outcome{Protocol: protocol}

	body, err := json.Marshal(types.RenewalRequest{
		InternalPort: r.options.InternalPort,
		Protocol:     protocol,
		Duration:     r.options.Duration,
	})
	if err != nil {
		outcome.Err = fmt.Errorf("序列化续期请求失败: %w", err)
		return outcome
	}

	headers := map[string]string{}
	if r.options.APIToken != "" {
		headers["Authorization"] = "Bearer " + r.options.APIToken
	}

	totalAttempts := r.options.MaxRetries + 1
	for attempt := 0; attempt < totalAttempts; attempt++ {
		if attempt > 0 {
			r.logger.WithFields(logrus.Fields{
				"protocol": protocol,
				"attempt":  attempt + 1,
				"max":      totalAttempts,
				"delay":    r.options.RetryDelay.String(),
			}).Info("等待后重试续期")

			if err := Wait(ctx, r.options.RetryDelay); err != nil {
				outcome.Err = fmt.Errorf("%w: %w", ErrInterrupted, err)
				return outcome
			}
		}

		outcome.Attempts = attempt + 1
		resp, err := r.sender.Send(ctx, r.options.URL, body, headers)
		if err != nil {
			outcome.StatusCode = 0
			outcome.Body = nil
			outcome.Err = err
			r.logger.WithFields(logrus.Fields{
				"protocol": protocol,
				"attempt":  outcome.Attempts,
				"error":    err,
			}).Warn("续期请求传输失败")
			continue
		}

		outcome.StatusCode = resp.StatusCode
		outcome.Body = resp.Body
		outcome.Err = nil

		if resp.OK() {
			outcome.Success = true
			outcome.ExternalPort = externalPort(resp.Body)
			r.logger.WithFields(logrus.Fields{
				"protocol":      protocol,
				"attempt":       outcome.Attempts,
				"status":        resp.StatusCode,
				"internal_port": r.options.InternalPort,
				"external_port": outcome.ExternalPort,
				"response":      string(resp.Body),
			}).Info("端口映射续期成功")
			return outcome
		}

		r.logger.WithFields(logrus.Fields{
			"protocol": protocol,
			"attempt":  outcome.Attempts,
			"status":   resp.StatusCode,
			"response": string(resp.Body),
		}).Warn("续期请求返回失败状态")
	}

	r.logger.WithFields(logrus.Fields{
		"protocol": protocol,
		"attempts": outcome.Attempts,
		"reason":   outcome.Reason(),
	}).Error("端口映射续期失败，已用尽重试次数")

	return outcome
}

// externalPort 从响应中尽力读取外部端口，缺失或无法解析时返回0
func externalPort(body []byte) int {
	var resp struct {
		ExternalPort *int `json:"external_port"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ExternalPort == nil {
		return 0
	}
	return *resp.ExternalPort
}

// Wait 可被取消的等待，ctx 先结束时返回 ctx.Err()
func Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interrupted 结果是否因关闭信号而中断
func Interrupted(o types.Outcome) bool {
	return errors.Is(o.Err, ErrInterrupted)
}
