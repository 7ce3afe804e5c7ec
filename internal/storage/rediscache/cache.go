package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/storage"
)

// MailboxCache 为邮箱目录加一层 Redis 读穿缓存。
//
// 投递路径上每封邮件都要按地址查一次邮箱，这是整个系统
// 最热的读。写操作（标记停用、计数自增）直接落底层目录，
// 随后失效对应缓存条目；缓存故障只降级为直查数据库。
type MailboxCache struct {
	delegate storage.MailboxDirectory
	client   *redis.Client
	ttl      time.Duration
	log      *zap.Logger
}

// New 创建邮箱缓存，连接失败时返回错误。
func New(addr, password string, db int, ttl time.Duration, delegate storage.MailboxDirectory, log *zap.Logger) (*MailboxCache, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &MailboxCache{
		delegate: delegate,
		client:   client,
		ttl:      ttl,
		log:      log,
	}, nil
}

// NewWithClient 使用已有客户端创建缓存，测试用。
func NewWithClient(client *redis.Client, ttl time.Duration, delegate storage.MailboxDirectory, log *zap.Logger) *MailboxCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MailboxCache{
		delegate: delegate,
		client:   client,
		ttl:      ttl,
		log:      log,
	}
}

func addressKey(address string) string {
	return fmt.Sprintf("mb:addr:%s", address)
}

func idKey(id string) string {
	return fmt.Sprintf("mb:id:%s", id)
}

// GetMailboxByAddress 优先读缓存，未命中时回源并写入缓存。
func (c *MailboxCache) GetMailboxByAddress(localPart, domainName string) (*domain.Mailbox, error) {
	ctx := context.Background()
	address := domain.NormalizeAddress(domain.NewMailboxAddress(localPart, domainName))

	data, err := c.client.Get(ctx, addressKey(address)).Result()
	if err == nil {
		var mailbox domain.Mailbox
		if err := json.Unmarshal([]byte(data), &mailbox); err == nil {
			return &mailbox, nil
		}
		// 缓存内容损坏，当作未命中
		c.client.Del(ctx, addressKey(address))
	} else if err != redis.Nil {
		c.log.Warn("redis read failed, falling through", zap.Error(err))
	}

	mailbox, err := c.delegate.GetMailboxByAddress(localPart, domainName)
	if err != nil {
		return nil, err
	}

	c.cache(ctx, mailbox)
	return mailbox, nil
}

// cache 写入缓存，同时维护 ID→地址 的反向索引供失效使用。
func (c *MailboxCache) cache(ctx context.Context, mailbox *domain.Mailbox) {
	data, err := json.Marshal(mailbox)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, addressKey(mailbox.Address), data, c.ttl).Err(); err != nil {
		c.log.Warn("redis write failed", zap.Error(err))
		return
	}
	c.client.Set(ctx, idKey(mailbox.ID), mailbox.Address, c.ttl)
}

// invalidate 按邮箱 ID 失效缓存条目。
func (c *MailboxCache) invalidate(id string) {
	ctx := context.Background()

	address, err := c.client.Get(ctx, idKey(id)).Result()
	if err == nil && address != "" {
		c.client.Del(ctx, addressKey(address))
	}
	c.client.Del(ctx, idKey(id))
}

// ListMailboxesExpiringBefore 直接透传，核算任务不走缓存。
func (c *MailboxCache) ListMailboxesExpiringBefore(cutoffMillis int64) ([]domain.Mailbox, error) {
	return c.delegate.ListMailboxesExpiringBefore(cutoffMillis)
}

// MarkMailboxExpired 落底层目录后失效缓存。
func (c *MailboxCache) MarkMailboxExpired(id string) error {
	if err := c.delegate.MarkMailboxExpired(id); err != nil {
		return err
	}
	c.invalidate(id)
	return nil
}

// IncrementForwardCount 落底层目录后失效缓存。
func (c *MailboxCache) IncrementForwardCount(id string) error {
	if err := c.delegate.IncrementForwardCount(id); err != nil {
		return err
	}
	c.invalidate(id)
	return nil
}

// IncrementSuppressionCount 落底层目录后失效缓存。
func (c *MailboxCache) IncrementSuppressionCount(id string) error {
	if err := c.delegate.IncrementSuppressionCount(id); err != nil {
		return err
	}
	c.invalidate(id)
	return nil
}

// Close 关闭 Redis 连接。
func (c *MailboxCache) Close() error {
	return c.client.Close()
}
