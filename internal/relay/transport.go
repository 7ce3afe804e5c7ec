package relay

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"fwdmail/relay/internal/config"
)

// Transport 是"组装并发送一封邮件"的外发传输接口。
//
// 上游主机、端口、凭据与加密方式由配置持有，核心代码不感知。
type Transport interface {
	Send(from, to string, message []byte) error
}

// SMTPTransport 通过上游 SMTP 服务发送邮件。
type SMTPTransport struct {
	addr        string
	username    string
	password    string
	implicitTLS bool
	debug       bool
	log         *zap.Logger
}

// NewSMTPTransport 创建 SMTP 外发传输。
func NewSMTPTransport(cfg config.OutboundConfig, log *zap.Logger) *SMTPTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPTransport{
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		username:    cfg.Username,
		password:    cfg.Password,
		implicitTLS: cfg.ImplicitTLS,
		debug:       cfg.Debug,
		log:         log,
	}
}

// Send 发送一封邮件，单收件人。
func (t *SMTPTransport) Send(from, to string, message []byte) error {
	var auth sasl.Client
	if t.username != "" {
		auth = sasl.NewPlainClient("", t.username, t.password)
	}

	if t.debug {
		t.log.Debug("sending outbound message",
			zap.String("addr", t.addr),
			zap.String("from", from),
			zap.String("to", to),
			zap.Int("bytes", len(message)),
		)
	}

	reader := bytes.NewReader(message)
	if t.implicitTLS {
		return gosmtp.SendMailTLS(t.addr, auth, from, []string{to}, reader)
	}
	return gosmtp.SendMail(t.addr, auth, from, []string{to}, reader)
}
