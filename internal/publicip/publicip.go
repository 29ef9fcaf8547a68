package publicip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// 单个STUN服务器的查询超时
const queryTimeout = 5 * time.Second

// Address 通过STUN获取的公网地址
type Address struct {
	IP     net.IP `json:"ip"`
	Port   int    `json:"port"`
	Server string `json:"server"`
}

// Prober 公网地址探测器
type Prober struct {
	servers []string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewProber 创建探测器，按顺序尝试 servers
func NewProber(servers []string, logger *logrus.Logger) *Prober {
	return &Prober{
		servers: servers,
		timeout: queryTimeout,
		logger:  logger,
	}
}

// Lookup 依次查询STUN服务器，返回第一个成功的结果
func (p *Prober) Lookup(ctx context.Context) (*Address, error) {
	if len(p.servers) == 0 {
		return nil, errors.New("未配置STUN服务器")
	}

	var lastErr error
	for _, server := range p.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ip, port, err := p.query(ctx, server)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			p.logger.WithFields(logrus.Fields{
				"server": server,
				"error":  err,
			}).Debug("STUN服务器查询失败")
			continue
		}

		p.logger.WithFields(logrus.Fields{
			"server":    server,
			"public_ip": ip.String(),
		}).Info("获取到公网IP")
		return &Address{IP: ip, Port: port, Server: server}, nil
	}

	return nil, fmt.Errorf("所有STUN服务器查询失败: %w", lastErr)
}

// query 查询单个STUN服务器
func (p *Prober) query(ctx context.Context, server string) (net.IP, int, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, 0, err
	}

	// ctx 取消时立即打断阻塞的读写
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, err
	}

	buffer := make([]byte, 1024)
	n, err := conn.Read(buffer)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, err
	}

	var response stun.Message
	if err := stun.Decode(buffer[:n], &response); err != nil {
		return nil, 0, err
	}
	if response.TransactionID != message.TransactionID {
		return nil, 0, errors.New("STUN响应事务ID不匹配")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&response); err != nil {
		return nil, 0, err
	}

	return xorAddr.IP, xorAddr.Port, nil
}
