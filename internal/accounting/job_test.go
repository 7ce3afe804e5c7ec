package accounting

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/relay/internal/config"
	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/storage/memory"
	"fwdmail/relay/internal/storage/rediscache"
)

func newJobFixture(t *testing.T, mutate func(*config.RelayConfig)) (*Job, *memory.Store, *queue.Queue) {
	t.Helper()

	cfg := config.RelayConfig{
		AccountingInterval:   5 * time.Minute,
		MessageRetention:     720 * time.Hour,
		TransactionRetention: 0,
		StatisticsRetention:  90,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store := memory.NewStore()
	events := queue.New()
	return NewJob(store, nil, events, cfg, nil, zap.NewNop()), store, events
}

func eventAt(status domain.EventStatus, from, to string, ts time.Time) domain.DeliveryEvent {
	return domain.DeliveryEvent{
		Status:    status,
		From:      from,
		To:        to,
		Timestamp: ts,
	}
}

func TestJobExpireMailboxes(t *testing.T) {
	job, store, _ := newJobFixture(t, nil)
	now := time.Now().UTC()

	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:          "mb-due",
		Address:     "due@fwd.mail",
		LocalPart:   "due",
		Domain:      "fwd.mail",
		ActiveUntil: now.Add(-2 * time.Minute).UnixMilli(),
	}))
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:          "mb-soon",
		Address:     "soon@fwd.mail",
		LocalPart:   "soon",
		Domain:      "fwd.mail",
		ActiveUntil: now.Add(2 * time.Minute).UnixMilli(),
	}))
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:          "mb-later",
		Address:     "later@fwd.mail",
		LocalPart:   "later",
		Domain:      "fwd.mail",
		ActiveUntil: now.Add(24 * time.Hour).UnixMilli(),
	}))
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:        "mb-forever",
		Address:   "forever@fwd.mail",
		LocalPart: "forever",
		Domain:    "fwd.mail",
	}))

	job.RunOnce(now)

	due, err := store.GetMailboxByAddress("due", "fwd.mail")
	require.NoError(t, err)
	assert.True(t, due.Expired, "有效期已过的邮箱应被标记")

	soon, err := store.GetMailboxByAddress("soon", "fwd.mail")
	require.NoError(t, err)
	assert.False(t, soon.Expired, "窗口内但尚未到期的邮箱不得提前停用")

	later, err := store.GetMailboxByAddress("later", "fwd.mail")
	require.NoError(t, err)
	assert.False(t, later.Expired)

	forever, err := store.GetMailboxByAddress("forever", "fwd.mail")
	require.NoError(t, err)
	assert.False(t, forever.Expired, "无限期邮箱永不到期")

	// 时间推进越过有效期后，下一轮补上标记
	job.RunOnce(now.Add(3 * time.Minute))

	soon, err = store.GetMailboxByAddress("soon", "fwd.mail")
	require.NoError(t, err)
	assert.True(t, soon.Expired)
}

func TestJobExpiryInvalidatesDirectoryCache(t *testing.T) {
	// 停用标记必须走注入的邮箱目录：部署缓存时由缓存层
	// 失效条目，后续查找立即看到到期状态
	cfg := config.RelayConfig{
		AccountingInterval:   5 * time.Minute,
		MessageRetention:     720 * time.Hour,
		TransactionRetention: 0,
		StatisticsRetention:  90,
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	cache := rediscache.NewWithClient(client, time.Minute, store, zap.NewNop())
	job := NewJob(store, cache, queue.New(), cfg, nil, zap.NewNop())

	now := time.Now().UTC()
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:          "mb-due",
		Address:     "due@fwd.mail",
		LocalPart:   "due",
		Domain:      "fwd.mail",
		ActiveUntil: now.Add(-time.Minute).UnixMilli(),
	}))

	// 预热缓存
	warmed, err := cache.GetMailboxByAddress("due", "fwd.mail")
	require.NoError(t, err)
	assert.False(t, warmed.Expired)

	job.RunOnce(now)

	refreshed, err := cache.GetMailboxByAddress("due", "fwd.mail")
	require.NoError(t, err)
	assert.True(t, refreshed.Expired, "缓存查找必须立即看到停用状态")
}

func TestJobPruneMessages(t *testing.T) {
	job, store, _ := newJobFixture(t, func(cfg *config.RelayConfig) {
		cfg.MessageRetention = 24 * time.Hour
	})
	now := time.Now().UTC()

	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "msg-old", MailboxID: "mb-1", ReceivedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "msg-fresh", MailboxID: "mb-1", ReceivedAt: now.Add(-1 * time.Hour),
	}))

	job.RunOnce(now)

	assert.Equal(t, 1, store.CountMessages("mb-1"))
}

func TestJobExpireTokens(t *testing.T) {
	job, store, _ := newJobFixture(t, nil)
	now := time.Now().UTC()

	require.NoError(t, store.SaveToken(&domain.APIToken{
		ID: "tok-old", AccountID: "acct-1", Token: "t1", ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.SaveToken(&domain.APIToken{
		ID: "tok-live", AccountID: "acct-1", Token: "t2", ExpiresAt: now.Add(time.Hour),
	}))

	job.RunOnce(now)

	// 再次清理不应再删除任何令牌
	expired, err := store.ExpireStaleTokens(now)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestJobSettleQueue(t *testing.T) {
	t.Run("事件数量守恒", func(t *testing.T) {
		job, store, events := newJobFixture(t, nil)
		now := time.Now().UTC()
		bucketTime := time.Date(2026, 8, 30, 10, 7, 0, 0, time.UTC)

		// 7 个可聚合事件 + 3 个事务事件
		for i := 0; i < 4; i++ {
			events.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "a@fwd.mail", bucketTime))
		}
		for i := 0; i < 3; i++ {
			events.Enqueue(eventAt(domain.StatusUnknownMailbox, "s@remote.example", "ghost@fwd.mail", bucketTime))
		}
		events.Enqueue(eventAt(domain.StatusMailboxExpired, "s@remote.example", "old@fwd.mail", bucketTime))
		events.Enqueue(eventAt(domain.StatusForwardFailed, "s@remote.example", "a@fwd.mail", bucketTime))
		events.Enqueue(eventAt(domain.StatusRelayDenied, "s@remote.example", "", bucketTime))

		job.RunOnce(now)

		assert.Zero(t, events.Len(), "结算后队列应清空")

		transactions := store.ListTransactions()
		assert.Len(t, transactions, 3)

		var aggregated int64
		for _, stat := range store.ListStatistics() {
			aggregated += stat.DropCount + stat.ForwardCount
		}
		assert.Equal(t, int64(7), aggregated, "事务行数与聚合计数之和必须等于入队事件数")
	})

	t.Run("同桶事件落在同一行", func(t *testing.T) {
		job, store, events := newJobFixture(t, nil)
		bucketTime := time.Date(2026, 8, 30, 10, 7, 0, 0, time.UTC)

		events.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "a@fwd.mail", bucketTime))
		events.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "b@fwd.mail", bucketTime.Add(3*time.Minute)))
		events.Enqueue(eventAt(domain.StatusUnknownMailbox, "s@remote.example", "ghost@fwd.mail", bucketTime))

		job.RunOnce(time.Now().UTC())

		stats := store.ListStatistics()
		require.Len(t, stats, 1, "同一刻钟同一域名对只应有一行")
		assert.Equal(t, int64(2), stats[0].ForwardCount)
		assert.Equal(t, int64(1), stats[0].DropCount)
		assert.Equal(t, "2026-08-30", stats[0].Date)
		assert.Equal(t, 10*4, stats[0].QuarterHour)
	})

	t.Run("分两轮结算与一轮结算结果一致", func(t *testing.T) {
		bucketTime := time.Date(2026, 8, 30, 14, 20, 0, 0, time.UTC)

		jobA, storeA, eventsA := newJobFixture(t, nil)
		for i := 0; i < 6; i++ {
			eventsA.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "a@fwd.mail", bucketTime))
		}
		jobA.RunOnce(time.Now().UTC())

		jobB, storeB, eventsB := newJobFixture(t, nil)
		for i := 0; i < 3; i++ {
			eventsB.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "a@fwd.mail", bucketTime))
		}
		jobB.RunOnce(time.Now().UTC())
		for i := 0; i < 3; i++ {
			eventsB.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "a@fwd.mail", bucketTime))
		}
		jobB.RunOnce(time.Now().UTC())

		statsA := storeA.ListStatistics()
		statsB := storeB.ListStatistics()
		require.Len(t, statsA, 1)
		require.Len(t, statsB, 1)
		assert.Equal(t, statsA[0].ForwardCount, statsB[0].ForwardCount)
		assert.Equal(t, statsA[0].Key(), statsB[0].Key())
	})

	t.Run("域名无法推导的可聚合事件被丢弃", func(t *testing.T) {
		job, store, events := newJobFixture(t, nil)

		events.Enqueue(eventAt(domain.StatusUnknownMailbox, "no-at-sign", "ghost@fwd.mail", time.Now().UTC()))
		events.Enqueue(eventAt(domain.StatusUnknownMailbox, "s@remote.example", "", time.Now().UTC()))

		job.RunOnce(time.Now().UTC())

		assert.Empty(t, store.ListStatistics())
		assert.Empty(t, store.ListTransactions())
	})

	t.Run("状态0事件保留为事务行", func(t *testing.T) {
		job, store, events := newJobFixture(t, nil)

		events.Enqueue(eventAt(domain.StatusMalformedRecipient, "s@remote.example", "", time.Now().UTC()))

		job.RunOnce(time.Now().UTC())

		transactions := store.ListTransactions()
		require.Len(t, transactions, 1)
		assert.Equal(t, 0, transactions[0].Status)
	})
}

func TestJobPruneTransactions(t *testing.T) {
	t.Run("保留期为0时永不删除", func(t *testing.T) {
		job, store, _ := newJobFixture(t, nil)
		now := time.Now().UTC()

		require.NoError(t, store.SaveTransactions([]domain.Transaction{
			{ID: "tx-ancient", Status: 200, OccurredAt: now.Add(-10000 * time.Hour)},
		}))

		job.RunOnce(now)

		assert.Len(t, store.ListTransactions(), 1)
	})

	t.Run("设置保留期后删除过期行", func(t *testing.T) {
		job, store, _ := newJobFixture(t, func(cfg *config.RelayConfig) {
			cfg.TransactionRetention = 24 * time.Hour
		})
		now := time.Now().UTC()

		require.NoError(t, store.SaveTransactions([]domain.Transaction{
			{ID: "tx-old", Status: 200, OccurredAt: now.Add(-48 * time.Hour)},
			{ID: "tx-fresh", Status: 200, OccurredAt: now.Add(-time.Hour)},
		}))

		job.RunOnce(now)

		remaining := store.ListTransactions()
		require.Len(t, remaining, 1)
		assert.Equal(t, "tx-fresh", remaining[0].ID)
	})
}

func TestJobPruneStatistics(t *testing.T) {
	job, store, _ := newJobFixture(t, func(cfg *config.RelayConfig) {
		cfg.StatisticsRetention = 30
	})
	now := time.Now().UTC()

	old := now.AddDate(0, 0, -60)
	fresh := now.AddDate(0, 0, -5)
	require.NoError(t, store.SaveStatistic(&domain.Statistic{
		ID: "st-old", Date: old.Format("2006-01-02"), QuarterHour: 4,
		SourceDomain: "remote.example", TargetDomain: "fwd.mail", ForwardCount: 9,
	}))
	require.NoError(t, store.SaveStatistic(&domain.Statistic{
		ID: "st-fresh", Date: fresh.Format("2006-01-02"), QuarterHour: 4,
		SourceDomain: "remote.example", TargetDomain: "fwd.mail", ForwardCount: 2,
	}))

	job.RunOnce(now)

	remaining := store.ListStatistics()
	require.Len(t, remaining, 1)
	assert.Equal(t, "st-fresh", remaining[0].ID)
}

func TestJobMixedSettlement(t *testing.T) {
	// 同一轮内事务事件与可聚合事件各走各的去向
	job, store, events := newJobFixture(t, nil)
	bucketTime := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	events.Enqueue(eventAt(domain.StatusForwarded, "s@remote.example", "a@fwd.mail", bucketTime))
	events.Enqueue(eventAt(domain.StatusMailboxExpired, "s@remote.example", "old@fwd.mail", bucketTime))

	job.RunOnce(time.Now().UTC())

	stats := store.ListStatistics()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].ForwardCount)
	assert.Len(t, store.ListTransactions(), 1)
}
