package sql

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	appconfig "fwdmail/relay/internal/config"
	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/storage"
)

// Store 关系型数据库存储实现，MySQL 与 PostgreSQL 共用。
type Store struct {
	db *gorm.DB
}

// NewStoreFromConfig 按数据库配置创建存储实例。
func NewStoreFromConfig(cfg appconfig.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
}

// NewStore 创建 PostgreSQL 存储实例。
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), 25, 5, 5*time.Minute)
}

// NewMySQLStore 创建 MySQL 存储实例。
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), 25, 5, 5*time.Minute)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例。
func NewStoreWithDialector(dialector gorm.Dialector, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构。
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.APIToken{},
		&domain.Mailbox{},
		&domain.Message{},
		&domain.Transaction{},
		&domain.Statistic{},
	)
}

// ========== Mailbox Directory ==========

// SaveMailbox 保存邮箱。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	return s.db.Save(mailbox).Error
}

// GetMailboxByAddress 按 local-part 和域名获取邮箱。
//
// Address 列在写入时已统一小写，查找前同样压成小写即可
// 获得不区分大小写的匹配，不依赖数据库的排序规则。
func (s *Store) GetMailboxByAddress(localPart, domainName string) (*domain.Mailbox, error) {
	address := domain.NormalizeAddress(domain.NewMailboxAddress(localPart, domainName))

	var mailbox domain.Mailbox
	err := s.db.Where("address = ?", address).First(&mailbox).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListMailboxesExpiringBefore 列出有效期在给定时刻之前结束、
// 且尚未标记停用的邮箱。ActiveUntil 为 0 的不限期邮箱不在其列。
func (s *Store) ListMailboxesExpiringBefore(cutoffMillis int64) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.
		Where("active_until > 0 AND active_until <= ? AND expired = ?", cutoffMillis, false).
		Find(&mailboxes).Error
	if err != nil {
		return nil, err
	}
	return mailboxes, nil
}

// MarkMailboxExpired 标记邮箱停用。
func (s *Store) MarkMailboxExpired(id string) error {
	result := s.db.Model(&domain.Mailbox{}).Where("id = ?", id).Update("expired", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// IncrementForwardCount 原子递增转发计数。
func (s *Store) IncrementForwardCount(id string) error {
	return s.incrementCounter(id, "forward_count")
}

// IncrementSuppressionCount 原子递增拦截计数。
func (s *Store) IncrementSuppressionCount(id string) error {
	return s.incrementCounter(id, "suppression_count")
}

// incrementCounter 在数据库侧完成自增，并发安全。
func (s *Store) incrementCounter(id, column string) error {
	result := s.db.Model(&domain.Mailbox{}).
		Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// ========== Account Directory ==========

// SaveAccount 保存账户。
func (s *Store) SaveAccount(account *domain.Account) error {
	return s.db.Save(account).Error
}

// GetAccount 按 ID 获取账户。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// SaveToken 保存 API 令牌。
func (s *Store) SaveToken(token *domain.APIToken) error {
	return s.db.Save(token).Error
}

// ExpireStaleTokens 删除已过期的 API 令牌，返回删除数量。
func (s *Store) ExpireStaleTokens(now time.Time) (int, error) {
	result := s.db.Where("expires_at <= ?", now).Delete(&domain.APIToken{})
	return int(result.RowsAffected), result.Error
}

// ========== Message Store ==========

// SaveMessage 保存邮件。
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.db.Create(message).Error
}

// DeleteMessagesBefore 删除接收时刻早于截止时间的邮件，返回删除数量。
func (s *Store) DeleteMessagesBefore(cutoff time.Time) (int, error) {
	result := s.db.Where("received_at < ?", cutoff).Delete(&domain.Message{})
	return int(result.RowsAffected), result.Error
}

// ========== Transaction Log ==========

// SaveTransactions 批量写入事务行。
func (s *Store) SaveTransactions(batch []domain.Transaction) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.CreateInBatches(batch, 200).Error
}

// DeleteTransactionsBefore 删除发生时刻早于截止时间的事务行。
func (s *Store) DeleteTransactionsBefore(cutoff time.Time) (int, error) {
	result := s.db.Where("occurred_at < ?", cutoff).Delete(&domain.Transaction{})
	return int(result.RowsAffected), result.Error
}

// ========== Statistics Store ==========

// GetStatistic 按桶键获取统计条目。
func (s *Store) GetStatistic(key domain.StatisticsKey) (*domain.Statistic, error) {
	var statistic domain.Statistic
	err := s.db.
		Where("date = ? AND quarter_hour = ? AND source_domain = ? AND target_domain = ?",
			key.Date, key.QuarterHour, key.SourceDomain, key.TargetDomain).
		First(&statistic).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrStatisticNotFound
		}
		return nil, err
	}
	return &statistic, nil
}

// SaveStatistic 整行保存统计条目。
func (s *Store) SaveStatistic(statistic *domain.Statistic) error {
	return s.db.Save(statistic).Error
}

// DeleteStatisticsBefore 删除日期早于截止日期的统计条目。
func (s *Store) DeleteStatisticsBefore(date string) (int, error) {
	result := s.db.Where("date < ?", date).Delete(&domain.Statistic{})
	return int(result.RowsAffected), result.Error
}

// ========== Lifecycle ==========

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连通性。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
