package domain

import "time"

// EventStatus 是投递事件的结果状态码。
//
// 整数值是对外的稳定契约：核算任务、统计聚合以及任何下游
// 报表消费方都依赖这些确切的数值，不得改动。
type EventStatus int

const (
	// StatusMalformedRecipient 收件地址无法拆分为 local-part@domain。
	StatusMalformedRecipient EventStatus = 0
	// StatusUnknownMailbox 收件域名受理但邮箱不存在。
	StatusUnknownMailbox EventStatus = 100
	// StatusMailboxExpired 邮箱存在但已停用或到期。
	StatusMailboxExpired EventStatus = 200
	// StatusForwarded 邮件已成功转发。
	StatusForwarded EventStatus = 300
	// StatusForwardFailed 转发失败（目标地址无效或发送 I/O 错误）。
	StatusForwardFailed EventStatus = 400
	// StatusRelayDenied 收件域名不在受理列表中。
	StatusRelayDenied EventStatus = 500
	// StatusOwnerInactive 邮箱归属账户缺失或已停用。
	StatusOwnerInactive EventStatus = 600
)

// Aggregated 判断该状态的事件在核算时是否折叠进统计条目。
//
// 100（未知邮箱）与 300（转发成功）是高频低价值事件，
// 不落单独的事务行，只累加到所在时段/域名对的统计桶中。
func (s EventStatus) Aggregated() bool {
	return s == StatusUnknownMailbox || s == StatusForwarded
}

// String 返回状态的可读名称，用于日志输出。
func (s EventStatus) String() string {
	switch s {
	case StatusMalformedRecipient:
		return "malformed recipient"
	case StatusUnknownMailbox:
		return "unknown mailbox"
	case StatusMailboxExpired:
		return "mailbox expired"
	case StatusForwarded:
		return "forwarded"
	case StatusForwardFailed:
		return "forward failed"
	case StatusRelayDenied:
		return "relay denied"
	case StatusOwnerInactive:
		return "owner inactive"
	default:
		return "unknown status"
	}
}

// DeliveryEvent 表示一次接收/拒收/转发的结果，等待核算任务批量消费。
//
// 事件在被消费前仅存在于事务队列中；消费后要么成为持久化的
// Transaction 行，要么折叠进统计条目后丢弃。
type DeliveryEvent struct {
	Status        EventStatus
	From          string
	To            string // 邮箱地址，无法解析或域名被拒时为空
	ForwardTarget string // 转发目标，仅转发类事件携带
	Timestamp     time.Time
}

// NewDeliveryEvent 创建一个带当前时间戳的投递事件。
func NewDeliveryEvent(status EventStatus, from, to, forwardTarget string) DeliveryEvent {
	return DeliveryEvent{
		Status:        status,
		From:          from,
		To:            to,
		ForwardTarget: forwardTarget,
		Timestamp:     time.Now().UTC(),
	}
}

// Transaction 是非聚合投递事件的持久化形态。
type Transaction struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Status        int       `json:"status" gorm:"index"`
	Sender        string    `json:"sender" gorm:"type:varchar(255)"`
	Recipient     string    `json:"recipient" gorm:"type:varchar(255)"`
	ForwardTarget string    `json:"forwardTarget" gorm:"type:varchar(255)"`
	OccurredAt    time.Time `json:"occurredAt" gorm:"index"`
}
