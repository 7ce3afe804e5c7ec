package domain

import (
	"fmt"
	"time"
)

// Mailbox 表示一个一次性转发邮箱的业务实体。
//
// 地址由 LocalPart 和 Domain 共同构成，比较时不区分大小写。
// Expired 独立于 ActiveUntil：邮箱可以在时间戳到期之前被手动停用。
type Mailbox struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address          string    `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart        string    `json:"localPart" gorm:"type:varchar(255)"`
	Domain           string    `json:"domain" gorm:"type:varchar(100);index"`
	AccountID        string    `json:"accountId" gorm:"type:varchar(36);index"`
	ActiveUntil      int64     `json:"activeUntil" gorm:"index"` // epoch 毫秒，0 表示不限期
	Expired          bool      `json:"expired" gorm:"default:false"`
	ForwardEnabled   bool      `json:"forwardEnabled" gorm:"default:true"`
	ForwardCount     int64     `json:"forwardCount"`
	SuppressionCount int64     `json:"suppressionCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// DueBy 判断邮箱的有效期是否在给定时刻（含）之前结束。
//
// ActiveUntil 为 0 的邮箱永不到期。
func (m *Mailbox) DueBy(t time.Time) bool {
	return m.ActiveUntil != 0 && m.ActiveUntil <= t.UnixMilli()
}

// NewMailboxAddress 组合完整的邮箱地址。
func NewMailboxAddress(localPart, domainName string) string {
	return fmt.Sprintf("%s@%s", localPart, domainName)
}
