package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol 映射协议
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol 解析协议名称，忽略大小写
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	default:
		return "", fmt.Errorf("不支持的协议: %q", s)
	}
}

func (p Protocol) String() string {
	return string(p)
}

// RenewalRequest 续期请求体
type RenewalRequest struct {
	InternalPort int      `json:"internal_port"`
	Protocol     Protocol `json:"protocol"`
	Duration     int      `json:"duration"`
}

// Outcome 单个协议一次续期的结果
//
// StatusCode 为 0 且 Err 不为空表示传输层错误（DNS、连接、超时）。
type Outcome struct {
	Protocol     Protocol
	Success      bool
	ExternalPort int
	StatusCode   int
	Err          error
	Body         []byte
	Attempts     int
}

// TransportFailure 是否为传输层失败
func (o Outcome) TransportFailure() bool {
	return !o.Success && o.StatusCode == 0 && o.Err != nil
}

// Reason 失败原因的可读描述
func (o Outcome) Reason() string {
	switch {
	case o.Success:
		return ""
	case o.Err != nil:
		return o.Err.Error()
	default:
		return fmt.Sprintf("HTTP %d", o.StatusCode)
	}
}

// MarshalJSON 输出给状态接口使用的结构
func (o Outcome) MarshalJSON() ([]byte, error) {
	temp := struct {
		Protocol     Protocol        `json:"protocol"`
		Success      bool            `json:"success"`
		ExternalPort int             `json:"external_port,omitempty"`
		StatusCode   int             `json:"status_code,omitempty"`
		Error        string          `json:"error,omitempty"`
		Attempts     int             `json:"attempts"`
		Response     json.RawMessage `json:"response,omitempty"`
	}{
		Protocol:     o.Protocol,
		Success:      o.Success,
		ExternalPort: o.ExternalPort,
		StatusCode:   o.StatusCode,
		Attempts:     o.Attempts,
	}
	if !o.Success {
		temp.Error = o.Reason()
	}
	if json.Valid(o.Body) {
		temp.Response = json.RawMessage(o.Body)
	}
	return json.Marshal(temp)
}

// CycleResult 一轮续期的汇总结果，Outcomes 按启用协议的顺序排列
type CycleResult struct {
	AnySuccess bool
	Outcomes   []Outcome
}

// Outcome 按协议查找结果
func (r CycleResult) Outcome(p Protocol) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Protocol == p {
			return o, true
		}
	}
	return Outcome{}, false
}

// State 调度器生命周期状态
type State int

const (
	StateRunning State = iota
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
