package domain

import "time"

// Message 表示一封已接收并持久化的邮件。
//
// 消息一经创建即不可变，只会被核算任务按保留期删除。
// 无论后续转发是否成功，每个被接受的信封都会产生一条 Message。
type Message struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID  string    `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	Sender     string    `json:"sender" gorm:"type:varchar(255)"`
	Subject    string    `json:"subject" gorm:"type:varchar(500)"`
	Raw        []byte    `json:"-" gorm:"type:bytes"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"index"`
}
