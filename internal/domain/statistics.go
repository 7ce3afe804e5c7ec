package domain

import "time"

// StatisticsKey 是统计聚合的桶键：日期、一天内的刻钟序号
// （0..95）以及发送/接收域名对。
type StatisticsKey struct {
	Date         string // UTC 日期，格式 2006-01-02
	QuarterHour  int    // 0..95
	SourceDomain string
	TargetDomain string
}

// BucketOf 将时间戳坍缩为统计桶的日期与刻钟序号。
func BucketOf(t time.Time) (date string, quarterHour int) {
	t = t.UTC()
	return t.Format("2006-01-02"), t.Hour()*4 + t.Minute()/15
}

// NewStatisticsKey 由事件时间与域名对构造统计桶键。
func NewStatisticsKey(t time.Time, sourceDomain, targetDomain string) StatisticsKey {
	date, quarterHour := BucketOf(t)
	return StatisticsKey{
		Date:         date,
		QuarterHour:  quarterHour,
		SourceDomain: sourceDomain,
		TargetDomain: targetDomain,
	}
}

// Statistic 是一个统计桶的持久化条目，计数只增不减。
//
// 不变式：每个键至多一行。核算任务通过先查再写（存在则累加，
// 不存在则插入）维持该不变式。
type Statistic struct {
	ID           string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Date         string `json:"date" gorm:"type:varchar(10);uniqueIndex:idx_stat_bucket;index"`
	QuarterHour  int    `json:"quarterHour" gorm:"uniqueIndex:idx_stat_bucket"`
	SourceDomain string `json:"sourceDomain" gorm:"type:varchar(100);uniqueIndex:idx_stat_bucket"`
	TargetDomain string `json:"targetDomain" gorm:"type:varchar(100);uniqueIndex:idx_stat_bucket"`
	DropCount    int64  `json:"dropCount"`
	ForwardCount int64  `json:"forwardCount"`
}

// Key 返回条目对应的桶键。
func (s *Statistic) Key() StatisticsKey {
	return StatisticsKey{
		Date:         s.Date,
		QuarterHour:  s.QuarterHour,
		SourceDomain: s.SourceDomain,
		TargetDomain: s.TargetDomain,
	}
}
