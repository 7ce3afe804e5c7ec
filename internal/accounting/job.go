package accounting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fwdmail/relay/internal/config"
	"fwdmail/relay/internal/domain"
	"fwdmail/relay/internal/metrics"
	"fwdmail/relay/internal/queue"
	"fwdmail/relay/internal/storage"
)

// Job 是周期运行的核算任务，收拢所有非即时的维护工作：
// 到期处理、队列结算与各类数据保留清理。
//
// 每个步骤独立容错：单个步骤 panic 或报错只记日志和计数，
// 不影响同一轮的其余步骤，下一轮照常重试。
type Job struct {
	store     storage.Store
	mailboxes storage.MailboxDirectory
	events    *queue.Queue
	interval  time.Duration

	messageRetention     time.Duration
	transactionRetention time.Duration // 0 表示永不删除
	statisticsRetention  int           // 天数

	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewJob 创建核算任务。
//
// mailboxes 是邮箱操作的入口：部署了目录缓存时必须传入缓存
// 包装，停用标记才会同步失效缓存条目。传 nil 时直接用 store。
func NewJob(store storage.Store, mailboxes storage.MailboxDirectory, events *queue.Queue, cfg config.RelayConfig, m *metrics.Metrics, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	if mailboxes == nil {
		mailboxes = store
	}
	return &Job{
		store:                store,
		mailboxes:            mailboxes,
		events:               events,
		interval:             cfg.AccountingInterval,
		messageRetention:     cfg.MessageRetention,
		transactionRetention: cfg.TransactionRetention,
		statisticsRetention:  cfg.StatisticsRetention,
		metrics:              m,
		log:                  log,
	}
}

// Start 以固定间隔运行核算，直到上下文取消。
//
// 退出前再跑最后一轮，把队列中尚未结算的事件落盘。
func (j *Job) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info("accounting job started", zap.Duration("interval", j.interval))

	for {
		select {
		case <-ctx.Done():
			j.log.Info("accounting job draining before shutdown")
			j.RunOnce(time.Now().UTC())
			return ctx.Err()
		case <-ticker.C:
			j.RunOnce(time.Now().UTC())
		}
	}
}

// RunOnce 执行一轮完整核算。
func (j *Job) RunOnce(now time.Time) {
	if j.metrics != nil {
		j.metrics.AccountingRuns.Inc()
	}

	j.runStep("expire_mailboxes", func() error { return j.expireMailboxes(now) })
	j.runStep("prune_messages", func() error { return j.pruneMessages(now) })
	j.runStep("expire_tokens", func() error { return j.expireTokens(now) })

	transactions, buckets := j.settleQueue()

	j.runStep("persist_transactions", func() error { return j.persistTransactions(transactions) })
	j.runStep("merge_statistics", func() error { return j.mergeStatistics(buckets) })
	j.runStep("prune_transactions", func() error { return j.pruneTransactions(now) })
	j.runStep("prune_statistics", func() error { return j.pruneStatistics(now) })
}

// runStep 执行单个步骤，吞掉 panic 与错误。
func (j *Job) runStep(name string, step func() error) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("accounting step panicked",
				zap.String("step", name),
				zap.Any("panic", r),
			)
			if j.metrics != nil {
				j.metrics.AccountingErrors.WithLabelValues(name).Inc()
			}
		}
	}()

	if err := step(); err != nil {
		j.log.Error("accounting step failed",
			zap.String("step", name),
			zap.Error(err),
		)
		if j.metrics != nil {
			j.metrics.AccountingErrors.WithLabelValues(name).Inc()
		}
	}
}

// expireMailboxes 标记已过有效期的邮箱停用。
//
// 列举带一个周期的前瞻窗口，但只有有效期确实已过的邮箱才被
// 标记；窗口内尚未到期的留给后续轮次，绝不提前停用。
func (j *Job) expireMailboxes(now time.Time) error {
	cutoff := now.Add(j.interval).UnixMilli()
	due, err := j.mailboxes.ListMailboxesExpiringBefore(cutoff)
	if err != nil {
		return err
	}

	for _, mailbox := range due {
		if !mailbox.DueBy(now) {
			continue
		}
		if err := j.mailboxes.MarkMailboxExpired(mailbox.ID); err != nil {
			j.log.Warn("failed to mark mailbox expired",
				zap.String("mailbox_id", mailbox.ID),
				zap.Error(err),
			)
			continue
		}
		j.log.Info("mailbox expired",
			zap.String("mailbox", mailbox.Address),
			zap.Int64("active_until", mailbox.ActiveUntil),
		)
	}
	return nil
}

// pruneMessages 删除超出保留期的邮件正文。
func (j *Job) pruneMessages(now time.Time) error {
	deleted, err := j.store.DeleteMessagesBefore(now.Add(-j.messageRetention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info("pruned stored messages", zap.Int("deleted", deleted))
	}
	return nil
}

// expireTokens 删除已过期的 API 令牌。
func (j *Job) expireTokens(now time.Time) error {
	expired, err := j.store.ExpireStaleTokens(now)
	if err != nil {
		return err
	}
	if expired > 0 {
		j.log.Info("expired stale tokens", zap.Int("count", expired))
	}
	return nil
}

// settleQueue 一次性取走队列中的全部事件并按状态分流：
// 可聚合状态（100/300）折叠进统计桶，其余转为事务行。
//
// 域名对无法从事件地址推导（如状态 0 的畸形地址）的可聚合
// 事件没有归属的桶，直接丢弃。
func (j *Job) settleQueue() ([]domain.Transaction, map[domain.StatisticsKey]*domain.Statistic) {
	events := j.events.Drain()
	if j.metrics != nil {
		j.metrics.EventsDrained.Add(float64(len(events)))
	}
	if len(events) == 0 {
		return nil, nil
	}

	transactions := make([]domain.Transaction, 0, len(events))
	buckets := make(map[domain.StatisticsKey]*domain.Statistic)

	for _, ev := range events {
		if !ev.Status.Aggregated() {
			transactions = append(transactions, domain.Transaction{
				ID:            uuid.NewString(),
				Status:        int(ev.Status),
				Sender:        ev.From,
				Recipient:     ev.To,
				ForwardTarget: ev.ForwardTarget,
				OccurredAt:    ev.Timestamp,
			})
			continue
		}

		sourceDomain := domain.DomainOf(ev.From)
		targetDomain := domain.DomainOf(ev.To)
		if sourceDomain == "" || targetDomain == "" {
			continue
		}

		key := domain.NewStatisticsKey(ev.Timestamp, sourceDomain, targetDomain)
		bucket, ok := buckets[key]
		if !ok {
			bucket = &domain.Statistic{
				ID:           uuid.NewString(),
				Date:         key.Date,
				QuarterHour:  key.QuarterHour,
				SourceDomain: key.SourceDomain,
				TargetDomain: key.TargetDomain,
			}
			buckets[key] = bucket
		}

		switch ev.Status {
		case domain.StatusForwarded:
			bucket.ForwardCount++
		case domain.StatusUnknownMailbox:
			bucket.DropCount++
		}
	}

	return transactions, buckets
}

// persistTransactions 批量写入事务行。
func (j *Job) persistTransactions(transactions []domain.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	if err := j.store.SaveTransactions(transactions); err != nil {
		return err
	}
	j.log.Info("persisted transactions", zap.Int("count", len(transactions)))
	return nil
}

// mergeStatistics 把本轮的统计增量合并进持久化条目。
//
// 先查再写：已存在的桶累加计数并沿用原 ID，不存在的桶整行
// 插入，维持"每个键至多一行"的不变式。
func (j *Job) mergeStatistics(buckets map[domain.StatisticsKey]*domain.Statistic) error {
	for key, delta := range buckets {
		existing, err := j.store.GetStatistic(key)
		switch {
		case err == nil:
			existing.DropCount += delta.DropCount
			existing.ForwardCount += delta.ForwardCount
			if err := j.store.SaveStatistic(existing); err != nil {
				return err
			}
		case errors.Is(err, storage.ErrStatisticNotFound):
			if err := j.store.SaveStatistic(delta); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// pruneTransactions 删除超出保留期的事务行，保留期为 0 表示永不删除。
func (j *Job) pruneTransactions(now time.Time) error {
	if j.transactionRetention == 0 {
		return nil
	}
	deleted, err := j.store.DeleteTransactionsBefore(now.Add(-j.transactionRetention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info("pruned transactions", zap.Int("deleted", deleted))
	}
	return nil
}

// pruneStatistics 删除早于保留天数的统计条目。
func (j *Job) pruneStatistics(now time.Time) error {
	if j.statisticsRetention <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -j.statisticsRetention).UTC().Format("2006-01-02")
	deleted, err := j.store.DeleteStatisticsBefore(cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info("pruned statistics", zap.Int("deleted", deleted), zap.String("cutoff", cutoff))
	}
	return nil
}
