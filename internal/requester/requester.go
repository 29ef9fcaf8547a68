package requester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout 单次请求的默认超时
	DefaultTimeout = 30 * time.Second

	// 响应体读取上限
	maxBodySize = 1 << 20
)

// Response HTTP响应
type Response struct {
	StatusCode int
	Body       []byte
	RequestID  string
}

// OK 是否为2xx状态码
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TransportError 传输层错误（DNS、连接失败、超时、读取响应失败）
type TransportError struct {
	URL       string
	RequestID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("请求 %s 失败: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout 是否由超时引起
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Requester 发送带JSON请求体的POST请求，不做任何重试
type Requester struct {
	client  *http.Client
	timeout time.Duration
}

// NewRequester 创建请求器，timeout 小于等于0时使用 DefaultTimeout
func NewRequester(timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Requester{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Send 发送一次POST请求
//
// 非2xx响应不视为错误，由调用方根据状态码判断。返回的错误总是 *TransportError。
// 已发出的请求不随 ctx 取消而中断，只受超时限制。
func (r *Requester) Send(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	requestID := uuid.New().String()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{URL: url, RequestID: requestID, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, RequestID: requestID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{URL: url, RequestID: requestID, Err: fmt.Errorf("读取响应失败: %w", err)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		RequestID:  requestID,
	}, nil
}
