package smtp

import (
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fwdmail/relay/internal/config"
	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/metrics"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/relay"
	"fwdmail/relay/internal/storage"
)

// Backend 实现 go-smtp 的 Backend 接口，是邮件的唯一入口。
//
// 【安全说明】
// 这是一个只收不转外域的中继：信封阶段只看收件域名是否受理，
// 不查目录（该判断必须足够廉价，每个信封在读任何正文字节之前
// 都要先过这一关）；邮箱是否存在、是否到期留到投递阶段判定。
// 不在受理列表中的域名一律 550 拒绝，服务器不会成为开放中继。
type Backend struct {
	allowedDomains map[string]struct{}
	checker        *relay.Checker
	forwarder      *relay.Forwarder
	messages       storage.MessageStore
	events         *queue.Queue
	limiter        *ConnectionLimiter
	maxMessageSize int64
	recordRejected bool
	metrics        *metrics.Metrics
	log            *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(
	cfg *config.Config,
	checker *relay.Checker,
	forwarder *relay.Forwarder,
	messages storage.MessageStore,
	events *queue.Queue,
	m *metrics.Metrics,
	log *zap.Logger,
) *Backend {
	if log == nil {
		log = zap.NewNop()
	}

	allowed := make(map[string]struct{}, len(cfg.Relay.AllowedDomains))
	for _, d := range cfg.Relay.AllowedDomains {
		allowed[strings.ToLower(d)] = struct{}{}
	}

	return &Backend{
		allowedDomains: allowed,
		checker:        checker,
		forwarder:      forwarder,
		messages:       messages,
		events:         events,
		limiter:        NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxConnRate),
		maxMessageSize: cfg.Relay.MaxMessageBytes,
		recordRejected: cfg.Relay.RecordRejected,
		metrics:        m,
		log:            log,
	}
}

// NewSession 创建新的 SMTP 会话，超出连接限制时直接拒绝。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 4, 5},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

// Accept 判断是否受理一个信封收件人。
//
// 仅当地址可拆分且域名在受理列表中时返回 true。拒收时（除非
// 关闭了拒收记录）入队一个状态 500 的投递事件，to 为空。
func (b *Backend) Accept(from, recipient string) bool {
	_, domainName, err := domain.SplitAddress(recipient)
	if err == nil {
		if _, ok := b.allowedDomains[domainName]; ok {
			return true
		}
	}

	if b.metrics != nil {
		b.metrics.EnvelopesRejected.WithLabelValues(domain.StatusRelayDenied.String()).Inc()
	}
	if b.recordRejected {
		b.events.Enqueue(domain.NewDeliveryEvent(domain.StatusRelayDenied, domain.NormalizeAddress(from), "", ""))
	}
	return false
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = domain.NormalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，执行信封阶段的受理判断。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.backend.Accept(s.fromAddress, to) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not served by this relay",
		}
	}

	if s.backend.metrics != nil {
		s.backend.metrics.EnvelopesAccepted.Inc()
	}
	s.recipients = append(s.recipients, domain.NormalizeAddress(to))
	return nil
}

// Data 处理邮件内容并逐收件人走完投递管线。
//
// 所有解析与投递失败都在这里吞掉并记日志：一封畸形邮件
// 绝不能让连接处理协程崩溃或中断会话。
func (s *session) Data(r io.Reader) error {
	max := s.backend.maxMessageSize

	// 多读一个字节以区分"恰好达到上限"与"超限"
	raw, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		s.backend.log.Warn("failed to read message data", zap.Error(err))
		return nil
	}

	if int64(len(raw)) > max {
		// 超限静默丢弃：不持久化、不产生事件，避免超大载荷灌爆存储
		s.backend.log.Warn("message exceeds size cap, dropped",
			zap.String("from", s.fromAddress),
			zap.Int64("max_bytes", max),
		)
		if s.backend.metrics != nil {
			s.backend.metrics.MessagesOversize.Inc()
		}
		return nil
	}

	for _, recipient := range s.recipients {
		s.backend.deliver(s.fromAddress, recipient, raw)
	}
	return nil
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.backend.limiter.Release()
	return nil
}

// deliver 对单个收件人执行投递管线：
// 前置检查 → 持久化 → 循环检测 → 转发。
func (b *Backend) deliver(from, recipient string, raw []byte) {
	parsed, err := relay.ParseMessage(raw)
	if err != nil {
		// 解析失败丢弃，无事件
		b.log.Warn("failed to parse message, dropped",
			zap.String("from", from),
			zap.String("to", recipient),
			zap.Error(err),
		)
		return
	}

	mailbox, owner := b.checker.Resolve(from, recipient)
	if mailbox == nil {
		if b.metrics != nil {
			b.metrics.EnvelopesRejected.WithLabelValues("resolve").Inc()
		}
		return
	}

	// 无论是否转发都持久化一条 Message
	message := &domain.Message{
		ID:         uuid.NewString(),
		MailboxID:  mailbox.ID,
		Sender:     from,
		Subject:    parsed.Subject,
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	}
	if err := b.messages.SaveMessage(message); err != nil {
		b.log.Error("failed to persist message",
			zap.String("mailbox", mailbox.Address),
			zap.Error(err),
		)
		return
	}
	if b.metrics != nil {
		b.metrics.MessagesPersisted.Inc()
	}

	if !mailbox.ForwardEnabled {
		return
	}

	if reason, loop := relay.DetectLoop(parsed.Header, mailbox.Address); loop {
		b.log.Info("forwarding skipped by loop detection",
			zap.String("mailbox", mailbox.Address),
			zap.String("reason", reason),
		)
		if b.metrics != nil {
			b.metrics.LoopsDetected.Inc()
		}
		return
	}

	b.forwarder.Forward(parsed, mailbox, owner, from)
}
