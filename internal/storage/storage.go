package storage

import (
	"errors"
	"time"

	"fwdmail/relay/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱未找到错误
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrAccountNotFound 账户未找到错误
	ErrAccountNotFound = errors.New("account not found")
	// ErrStatisticNotFound 统计条目未找到错误
	ErrStatisticNotFound = errors.New("statistic not found")
)

// MailboxDirectory 定义邮箱目录的存取操作。
//
// 计数器自增是原子操作，由存储层保证；核心代码不做读-改-写。
type MailboxDirectory interface {
	GetMailboxByAddress(localPart, domainName string) (*domain.Mailbox, error)
	ListMailboxesExpiringBefore(cutoffMillis int64) ([]domain.Mailbox, error)
	MarkMailboxExpired(id string) error
	IncrementForwardCount(id string) error
	IncrementSuppressionCount(id string) error
}

// AccountDirectory 定义账户目录的存取操作。
type AccountDirectory interface {
	GetAccount(id string) (*domain.Account, error)
	ExpireStaleTokens(now time.Time) (int, error)
}

// MessageStore 定义邮件数据的存取操作。
type MessageStore interface {
	SaveMessage(message *domain.Message) error
	DeleteMessagesBefore(cutoff time.Time) (int, error)
}

// TransactionLog 定义事务行的存取操作。
type TransactionLog interface {
	SaveTransactions(batch []domain.Transaction) error
	DeleteTransactionsBefore(cutoff time.Time) (int, error)
}

// StatisticsStore 定义统计条目的存取操作。
//
// 键不存在时 GetStatistic 返回 ErrStatisticNotFound；
// SaveStatistic 对同键条目做整行覆盖，配合先查再写维持每键至多一行。
type StatisticsStore interface {
	GetStatistic(key domain.StatisticsKey) (*domain.Statistic, error)
	SaveStatistic(statistic *domain.Statistic) error
	DeleteStatisticsBefore(date string) (int, error)
}

// Store 定义完整的存储接口。
//
// SaveMailbox/SaveAccount/SaveToken 属于供给侧操作：邮箱与账户由
// 排除在本核心之外的管理界面创建，这里保留写入口供初始化与测试使用。
type Store interface {
	MailboxDirectory
	AccountDirectory
	MessageStore
	TransactionLog
	StatisticsStore

	SaveMailbox(mailbox *domain.Mailbox) error
	SaveAccount(account *domain.Account) error
	SaveToken(token *domain.APIToken) error

	Close() error
	Health() error
}
