package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/storage"
)

func TestStore_MailboxLookup(t *testing.T) {
	store := NewStore()

	mailbox := &domain.Mailbox{
		ID:        "mb-1",
		Address:   "foo@example.com",
		LocalPart: "foo",
		Domain:    "example.com",
	}
	assert.NoError(t, store.SaveMailbox(mailbox))

	t.Run("按地址查找成功", func(t *testing.T) {
		got, err := store.GetMailboxByAddress("foo", "example.com")

		assert.NoError(t, err)
		assert.Equal(t, "mb-1", got.ID)
	})

	t.Run("查找不区分大小写", func(t *testing.T) {
		got, err := store.GetMailboxByAddress("Foo", "Example.COM")

		assert.NoError(t, err)
		assert.Equal(t, "mb-1", got.ID)
	})

	t.Run("不存在的地址返回错误", func(t *testing.T) {
		_, err := store.GetMailboxByAddress("nobody", "example.com")

		assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	})
}

func TestStore_CounterIncrements(t *testing.T) {
	store := NewStore()
	assert.NoError(t, store.SaveMailbox(&domain.Mailbox{ID: "mb-1", Address: "a@x.test"}))

	// 并发自增不得丢失更新
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.IncrementForwardCount("mb-1"))
			assert.NoError(t, store.IncrementSuppressionCount("mb-1"))
		}()
	}
	wg.Wait()

	got, err := store.GetMailboxByAddress("a", "x.test")
	assert.NoError(t, err)
	assert.Equal(t, int64(50), got.ForwardCount)
	assert.Equal(t, int64(50), got.SuppressionCount)
}

func TestStore_ExpiryListing(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	assert.NoError(t, store.SaveMailbox(&domain.Mailbox{ID: "due", Address: "due@x.test", ActiveUntil: now.Add(-time.Minute).UnixMilli()}))
	assert.NoError(t, store.SaveMailbox(&domain.Mailbox{ID: "later", Address: "later@x.test", ActiveUntil: now.Add(time.Hour).UnixMilli()}))
	assert.NoError(t, store.SaveMailbox(&domain.Mailbox{ID: "unlimited", Address: "unlimited@x.test", ActiveUntil: 0}))
	assert.NoError(t, store.SaveMailbox(&domain.Mailbox{ID: "marked", Address: "marked@x.test", ActiveUntil: now.Add(-time.Hour).UnixMilli(), Expired: true}))

	boxes, err := store.ListMailboxesExpiringBefore(now.UnixMilli())

	assert.NoError(t, err)
	assert.Len(t, boxes, 1)
	assert.Equal(t, "due", boxes[0].ID)

	t.Run("标记到期后不再列出", func(t *testing.T) {
		assert.NoError(t, store.MarkMailboxExpired("due"))

		boxes, err := store.ListMailboxesExpiringBefore(now.UnixMilli())
		assert.NoError(t, err)
		assert.Empty(t, boxes)
	})
}

func TestStore_MessageRetention(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	assert.NoError(t, store.SaveMessage(&domain.Message{ID: "old", MailboxID: "mb-1", ReceivedAt: now.Add(-48 * time.Hour)}))
	assert.NoError(t, store.SaveMessage(&domain.Message{ID: "fresh", MailboxID: "mb-1", ReceivedAt: now}))

	count, err := store.DeleteMessagesBefore(now.Add(-24 * time.Hour))

	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, store.CountMessages("mb-1"))
}

func TestStore_TokenExpiry(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	assert.NoError(t, store.SaveToken(&domain.APIToken{ID: "stale", ExpiresAt: now.Add(-time.Hour)}))
	assert.NoError(t, store.SaveToken(&domain.APIToken{ID: "valid", ExpiresAt: now.Add(time.Hour)}))

	count, err := store.ExpireStaleTokens(now)

	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Statistics(t *testing.T) {
	store := NewStore()
	key := domain.StatisticsKey{Date: "2024-03-07", QuarterHour: 12, SourceDomain: "y.test", TargetDomain: "x.test"}

	t.Run("不存在的键返回错误", func(t *testing.T) {
		_, err := store.GetStatistic(key)
		assert.ErrorIs(t, err, storage.ErrStatisticNotFound)
	})

	t.Run("同键覆盖保存", func(t *testing.T) {
		assert.NoError(t, store.SaveStatistic(&domain.Statistic{
			ID: "st-1", Date: key.Date, QuarterHour: key.QuarterHour,
			SourceDomain: key.SourceDomain, TargetDomain: key.TargetDomain,
			DropCount: 1, ForwardCount: 2,
		}))
		assert.NoError(t, store.SaveStatistic(&domain.Statistic{
			ID: "st-1", Date: key.Date, QuarterHour: key.QuarterHour,
			SourceDomain: key.SourceDomain, TargetDomain: key.TargetDomain,
			DropCount: 3, ForwardCount: 4,
		}))

		got, err := store.GetStatistic(key)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), got.DropCount)
		assert.Len(t, store.ListStatistics(), 1)
	})

	t.Run("按日期清理旧统计", func(t *testing.T) {
		assert.NoError(t, store.SaveStatistic(&domain.Statistic{
			ID: "st-2", Date: "2024-01-01", QuarterHour: 0,
			SourceDomain: "y.test", TargetDomain: "x.test",
		}))

		count, err := store.DeleteStatisticsBefore("2024-03-01")
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
