package relay

import (
	"errors"

	"go.uber.org/zap"

	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/storage"
)

// Checker 在投递前校验收件邮箱，并把每次拒收记录为投递事件。
type Checker struct {
	mailboxes      storage.MailboxDirectory
	accounts       storage.AccountDirectory
	events         *queue.Queue
	recordRejected bool
	log            *zap.Logger
}

// NewChecker 创建投递前置检查器。
func NewChecker(
	mailboxes storage.MailboxDirectory,
	accounts storage.AccountDirectory,
	events *queue.Queue,
	recordRejected bool,
	log *zap.Logger,
) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		mailboxes:      mailboxes,
		accounts:       accounts,
		events:         events,
		recordRejected: recordRejected,
		log:            log,
	}
}

// Resolve 解析并校验收件邮箱，返回邮箱及其归属账户。
//
// 失败路径按优先级依次判定，事件与计数副作用随路径触发：
//  1. 地址无法拆分             → 状态 0，返回 nil
//  2. 邮箱不存在（不分大小写） → 状态 100，返回 nil
//  3. 邮箱已停用/到期          → 状态 200，拦截计数 +1，返回 nil
//  4. 账户缺失或停用           → 状态 600，拦截计数 +1，返回 nil
//
// 到期先于账户状态检查：到期邮箱与停用账户是两类不同的运营
// 信号，必须在统计中保持可区分。
//
// 状态码只对确定的判定成立：存储层的临时故障（连接中断等）
// 不是"邮箱不存在"，只记日志放弃本次投递，不产生事件、不碰
// 拦截计数。
func (c *Checker) Resolve(from, recipient string) (*domain.Mailbox, *domain.Account) {
	localPart, domainName, err := domain.SplitAddress(recipient)
	if err != nil {
		c.reject(domain.StatusMalformedRecipient, from, "")
		return nil, nil
	}

	address := domain.NewMailboxAddress(localPart, domainName)

	mailbox, err := c.mailboxes.GetMailboxByAddress(localPart, domainName)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			c.reject(domain.StatusUnknownMailbox, from, address)
			return nil, nil
		}
		c.log.Error("mailbox lookup failed",
			zap.String("address", address),
			zap.Error(err),
		)
		return nil, nil
	}

	if mailbox.Expired {
		c.reject(domain.StatusMailboxExpired, from, mailbox.Address)
		c.suppress(mailbox)
		return nil, nil
	}

	owner, err := c.accounts.GetAccount(mailbox.AccountID)
	if err != nil && !errors.Is(err, storage.ErrAccountNotFound) {
		c.log.Error("account lookup failed",
			zap.String("account_id", mailbox.AccountID),
			zap.Error(err),
		)
		return nil, nil
	}
	if err != nil || !owner.IsActive {
		c.reject(domain.StatusOwnerInactive, from, mailbox.Address)
		c.suppress(mailbox)
		return nil, nil
	}

	return mailbox, owner
}

// reject 记录一次拒收事件。
func (c *Checker) reject(status domain.EventStatus, from, to string) {
	c.log.Debug("delivery rejected",
		zap.Stringer("status", status),
		zap.String("from", from),
		zap.String("to", to),
	)
	if !c.recordRejected {
		return
	}
	c.events.Enqueue(domain.NewDeliveryEvent(status, from, to, ""))
}

// suppress 递增邮箱的拦截计数，失败只记日志。
func (c *Checker) suppress(mailbox *domain.Mailbox) {
	if err := c.mailboxes.IncrementSuppressionCount(mailbox.ID); err != nil {
		c.log.Warn("failed to increment suppression count",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
	}
}
