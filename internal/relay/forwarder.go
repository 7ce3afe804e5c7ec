package relay

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/metrics"
	"fwdmail/relay/internal/pool"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/storage"
)

// Forwarder 把已接受的邮件改写为转发副本并交给外发传输。
//
// 发送在协程池的工作协程上执行，即发即忘：接收连接不等待，
// 不重试，没有取消通道，结果只体现在日志、计数与投递事件中。
// 至多一次投递是有意为之——自动重试本身就可能制造重复转发
// 乃至新的循环。
type Forwarder struct {
	transport Transport
	mailboxes storage.MailboxDirectory
	events    *queue.Queue
	workers   *pool.WorkerPool
	quoteBody bool
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewForwarder 创建转发器。
func NewForwarder(
	transport Transport,
	mailboxes storage.MailboxDirectory,
	events *queue.Queue,
	workers *pool.WorkerPool,
	quoteBody bool,
	m *metrics.Metrics,
	log *zap.Logger,
) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{
		transport: transport,
		mailboxes: mailboxes,
		events:    events,
		workers:   workers,
		quoteBody: quoteBody,
		metrics:   m,
		log:       log,
	}
}

// Forward 异步转发一封邮件到邮箱归属账户的真实地址。
func (f *Forwarder) Forward(msg *ParsedMessage, mailbox *domain.Mailbox, owner *domain.Account, originalFrom string) {
	f.workers.Submit(func() {
		f.deliver(msg, mailbox, owner, originalFrom)
	})
}

// deliver 在工作协程上组装并发送转发副本。
func (f *Forwarder) deliver(msg *ParsedMessage, mailbox *domain.Mailbox, owner *domain.Account, originalFrom string) {
	target := domain.NormalizeAddress(owner.Email)
	if _, _, err := domain.SplitAddress(target); err != nil {
		f.fail(mailbox, originalFrom, target, fmt.Errorf("invalid forward target %q: %w", owner.Email, err))
		return
	}

	composed := f.compose(msg, mailbox, target, originalFrom)

	if err := f.transport.Send(mailbox.Address, target, composed); err != nil {
		// 传输失败不重试
		f.fail(mailbox, originalFrom, target, err)
		return
	}

	f.events.Enqueue(domain.NewDeliveryEvent(domain.StatusForwarded, originalFrom, mailbox.Address, target))
	if err := f.mailboxes.IncrementForwardCount(mailbox.ID); err != nil {
		f.log.Warn("failed to increment forward count",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
	}
	if f.metrics != nil {
		f.metrics.ForwardsTotal.Inc()
	}

	f.log.Info("message forwarded",
		zap.String("mailbox", mailbox.Address),
		zap.String("target", target),
		zap.String("original_from", originalFrom),
	)
}

// fail 记录一次转发失败（状态 400）。
func (f *Forwarder) fail(mailbox *domain.Mailbox, originalFrom, target string, err error) {
	f.log.Error("forward attempt failed",
		zap.String("mailbox", mailbox.Address),
		zap.String("target", target),
		zap.Error(err),
	)
	f.events.Enqueue(domain.NewDeliveryEvent(domain.StatusForwardFailed, originalFrom, mailbox.Address, target))
	if f.metrics != nil {
		f.metrics.ForwardFailures.Inc()
	}
}

// compose 组装转发副本。
//
// 收件人改写为归属账户的真实地址；发件人改写为邮箱自身地址，
// 保证送达率；Reply-To 指向原始发件人，使回复回到真正的作者；
// Cc/Bcc 一律剥除；并加上循环标记与自动提交标记。
func (f *Forwarder) compose(msg *ParsedMessage, mailbox *domain.Mailbox, target, originalFrom string) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: <%s>\r\n", mailbox.Address)
	fmt.Fprintf(&buf, "To: <%s>\r\n", target)
	if originalFrom != "" {
		fmt.Fprintf(&buf, "Reply-To: <%s>\r\n", domain.NormalizeAddress(originalFrom))
	}
	if subject := msg.Header.Get("Subject"); subject != "" {
		fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	}
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-Id: <%s@%s>\r\n", uuid.NewString(), mailbox.Domain)
	fmt.Fprintf(&buf, "Auto-Submitted: auto-forwarded\r\n")
	fmt.Fprintf(&buf, "%s: %s\r\n", LoopMarkerHeader, LoopMarkerValue(mailbox.Address))

	if f.quoteBody {
		buf.WriteString("MIME-Version: 1.0\r\n")
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		f.writeQuoted(&buf, msg, originalFrom)
		return buf.Bytes()
	}

	// 原样透传正文，带上原始的 MIME 头保证编码仍可解读
	for _, name := range []string{"MIME-Version", "Content-Type", "Content-Transfer-Encoding"} {
		if value := msg.Header.Get(name); value != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(msg.Body)
	return buf.Bytes()
}

// writeQuoted 以引用格式写出正文。
func (f *Forwarder) writeQuoted(buf *bytes.Buffer, msg *ParsedMessage, originalFrom string) {
	fmt.Fprintf(buf, "---------- Forwarded message ----------\r\n")
	if originalFrom != "" {
		fmt.Fprintf(buf, "From: %s\r\n", originalFrom)
	}
	if msg.Subject != "" {
		fmt.Fprintf(buf, "Subject: %s\r\n", msg.Subject)
	}
	buf.WriteString("\r\n")

	for _, line := range strings.Split(msg.TextContent(), "\n") {
		fmt.Fprintf(buf, "> %s\r\n", strings.TrimRight(line, "\r"))
	}
}
