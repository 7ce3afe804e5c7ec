package memory

import (
	"strings"
	"sync"
	"time"

	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/storage"
)

// Store 使用内存保存全部中继数据，用于开发验证与测试。
type Store struct {
	mu           sync.RWMutex
	mailboxes    map[string]*domain.Mailbox // mailboxID -> mailbox
	byAddress    map[string]string          // 小写地址 -> mailboxID
	accounts     map[string]*domain.Account // accountID -> account
	tokens       map[string]*domain.APIToken
	messages     map[string]*domain.Message // messageID -> message
	transactions []domain.Transaction
	statistics   map[domain.StatisticsKey]*domain.Statistic
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:  make(map[string]*domain.Mailbox),
		byAddress:  make(map[string]string),
		accounts:   make(map[string]*domain.Account),
		tokens:     make(map[string]*domain.APIToken),
		messages:   make(map[string]*domain.Message),
		statistics: make(map[domain.StatisticsKey]*domain.Statistic),
	}
}

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *mailbox
	s.mailboxes[copied.ID] = &copied
	s.byAddress[strings.ToLower(copied.Address)] = copied.ID
	return nil
}

// GetMailboxByAddress 按 local-part 与域名查找邮箱，不区分大小写。
func (s *Store) GetMailboxByAddress(localPart, domainName string) (*domain.Mailbox, error) {
	address := strings.ToLower(domain.NewMailboxAddress(localPart, domainName))

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	copied := *s.mailboxes[id]
	return &copied, nil
}

// ListMailboxesExpiringBefore 返回有效期在截止时刻之前、尚未标记
// 到期的限期邮箱。
func (s *Store) ListMailboxesExpiringBefore(cutoffMillis int64) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mailbox
	for _, mailbox := range s.mailboxes {
		if mailbox.ActiveUntil != 0 && mailbox.ActiveUntil <= cutoffMillis && !mailbox.Expired {
			out = append(out, *mailbox)
		}
	}
	return out, nil
}

// MarkMailboxExpired 将邮箱标记为到期。
func (s *Store) MarkMailboxExpired(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mailbox.Expired = true
	return nil
}

// IncrementForwardCount 原子递增邮箱的转发计数。
func (s *Store) IncrementForwardCount(id string) error {
	return s.increment(id, func(m *domain.Mailbox) { m.ForwardCount++ })
}

// IncrementSuppressionCount 原子递增邮箱的拦截计数。
func (s *Store) IncrementSuppressionCount(id string) error {
	return s.increment(id, func(m *domain.Mailbox) { m.SuppressionCount++ })
}

func (s *Store) increment(id string, apply func(*domain.Mailbox)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	apply(mailbox)
	return nil
}

// SaveAccount 保存账户信息。
func (s *Store) SaveAccount(account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *account
	s.accounts[copied.ID] = &copied
	return nil
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// SaveToken 保存 API 令牌。
func (s *Store) SaveToken(token *domain.APIToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *token
	s.tokens[copied.ID] = &copied
	return nil
}

// ExpireStaleTokens 删除已过期的 API 令牌，返回删除数量。
func (s *Store) ExpireStaleTokens(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, token := range s.tokens {
		if token.ExpiresAt.Before(now) {
			delete(s.tokens, id)
			count++
		}
	}
	return count, nil
}

// SaveMessage 保存邮件。
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *message
	s.messages[copied.ID] = &copied
	return nil
}

// CountMessages 返回指定邮箱的邮件数量，供测试断言使用。
func (s *Store) CountMessages(mailboxID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, message := range s.messages {
		if message.MailboxID == mailboxID {
			count++
		}
	}
	return count
}

// DeleteMessagesBefore 删除接收时间早于截止时刻的邮件，返回删除数量。
func (s *Store) DeleteMessagesBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, message := range s.messages {
		if message.ReceivedAt.Before(cutoff) {
			delete(s.messages, id)
			count++
		}
	}
	return count, nil
}

// SaveTransactions 批量保存事务行。
func (s *Store) SaveTransactions(batch []domain.Transaction) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, batch...)
	return nil
}

// ListTransactions 返回全部事务行快照，供测试断言使用。
func (s *Store) ListTransactions() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

// DeleteTransactionsBefore 删除发生时间早于截止时刻的事务行。
func (s *Store) DeleteTransactionsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.transactions[:0]
	count := 0
	for _, tx := range s.transactions {
		if tx.OccurredAt.Before(cutoff) {
			count++
			continue
		}
		kept = append(kept, tx)
	}
	s.transactions = kept
	return count, nil
}

// GetStatistic 获取指定桶键的统计条目。
func (s *Store) GetStatistic(key domain.StatisticsKey) (*domain.Statistic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statistic, ok := s.statistics[key]
	if !ok {
		return nil, storage.ErrStatisticNotFound
	}
	copied := *statistic
	return &copied, nil
}

// SaveStatistic 保存统计条目，同键覆盖。
func (s *Store) SaveStatistic(statistic *domain.Statistic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *statistic
	s.statistics[copied.Key()] = &copied
	return nil
}

// ListStatistics 返回全部统计条目快照，供测试断言使用。
func (s *Store) ListStatistics() []domain.Statistic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Statistic, 0, len(s.statistics))
	for _, statistic := range s.statistics {
		out = append(out, *statistic)
	}
	return out
}

// DeleteStatisticsBefore 删除日期早于给定日期的统计条目。
func (s *Store) DeleteStatisticsBefore(date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, statistic := range s.statistics {
		if statistic.Date < date {
			delete(s.statistics, key)
			count++
		}
	}
	return count, nil
}

// Close 关闭存储，内存实现无资源可释放。
func (s *Store) Close() error { return nil }

// Health 检查存储健康状态。
func (s *Store) Health() error { return nil }
