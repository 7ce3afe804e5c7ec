package domain

import "time"

// Account 表示邮箱的归属账户。
//
// Email 是账户的真实地址，也是该账户所有邮箱的转发目标。
type Account struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email     string    `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIToken 表示账户的 API 访问令牌。
//
// 令牌过期清理是核算任务的外围步骤，与邮箱到期共用同一调度周期。
type APIToken struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string    `json:"accountId" gorm:"type:varchar(36);index"`
	Token     string    `json:"-" gorm:"type:varchar(255);uniqueIndex"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`
	CreatedAt time.Time `json:"createdAt"`
}
