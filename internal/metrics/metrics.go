package metrics

import (
	"sync/atomic"
	"time"

	"dvc-server/internal/db"
	"dvc-server/internal/store"

	"github.com/sirupsen/logrus"
)

type MetricsSnapshot struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Timestamp       time.Time `gorm:"index" json:"timestamp"`
	EventsProcessed int64     `gorm:"default:0" json:"events_processed"`
	EventsFailed    int64     `gorm:"default:0" json:"events_failed"`
	ChannelsCreated int64     `gorm:"default:0" json:"channels_created"`
	ChannelsDeleted int64     `gorm:"default:0" json:"channels_deleted"`
	ClaimsOpened    int64     `gorm:"default:0" json:"claims_opened"`
	Restorations    int64     `gorm:"default:0" json:"restorations"`
	CommandsServed  int64     `gorm:"default:0" json:"commands_served"`
	ActiveChannels  int64     `gorm:"default:0" json:"active_channels"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (MetricsSnapshot) TableName() string {
	return "metrics_snapshots"
}

var (
	EventsProcessed int64
	EventsFailed    int64
	ChannelsCreated int64
	ChannelsDeleted int64
	ClaimsOpened    int64
	Restorations    int64
	CommandsServed  int64
)

type MetricsService struct {
	snapshotTicker *time.Ticker
	cleanupTicker  *time.Ticker
	done           chan bool
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		snapshotTicker: time.NewTicker(1 * time.Minute),
		cleanupTicker:  time.NewTicker(24 * time.Hour),
		done:           make(chan bool),
	}
}

func (ms *MetricsService) Start() {
	logrus.Info("Starting metrics service...")

	ms.saveSnapshot()

	go func() {
		for {
			select {
			case <-ms.snapshotTicker.C:
				ms.saveSnapshot()

			case <-ms.cleanupTicker.C:
				ms.cleanup()

			case <-ms.done:
				logrus.Info("Metrics service stopped")
				return
			}
		}
	}()
}

func (ms *MetricsService) Stop() {
	logrus.Info("Stopping metrics service...")
	ms.snapshotTicker.Stop()
	ms.cleanupTicker.Stop()

	ms.saveSnapshot()

	close(ms.done)
}

func (ms *MetricsService) saveSnapshot() {
	snapshot := ms.CurrentSnapshot()

	if err := db.DB.Create(&snapshot).Error; err != nil {
		logrus.Errorf("Error saving metrics snapshot: %v", err)
	}
}

// CurrentSnapshot assembles the live counter values plus the number of
// tracked channels.
func (ms *MetricsService) CurrentSnapshot() MetricsSnapshot {
	var activeChannels int64
	if err := db.DB.Model(&store.ChannelRecord{}).Count(&activeChannels).Error; err != nil {
		logrus.Errorf("Error counting active channels: %v", err)
	}

	return MetricsSnapshot{
		Timestamp:       time.Now(),
		EventsProcessed: atomic.LoadInt64(&EventsProcessed),
		EventsFailed:    atomic.LoadInt64(&EventsFailed),
		ChannelsCreated: atomic.LoadInt64(&ChannelsCreated),
		ChannelsDeleted: atomic.LoadInt64(&ChannelsDeleted),
		ClaimsOpened:    atomic.LoadInt64(&ClaimsOpened),
		Restorations:    atomic.LoadInt64(&Restorations),
		CommandsServed:  atomic.LoadInt64(&CommandsServed),
		ActiveChannels:  activeChannels,
	}
}

func (ms *MetricsService) cleanup() {
	// Keep detailed snapshots for 7 days
	cutoff := time.Now().AddDate(0, 0, -7)

	result := db.DB.Where("timestamp < ?", cutoff).Delete(&MetricsSnapshot{})
	if result.Error != nil {
		logrus.Errorf("Error cleaning up old snapshots: %v", result.Error)
	} else if result.RowsAffected > 0 {
		logrus.Infof("Cleaned up %d old metrics snapshots", result.RowsAffected)
	}
}

func (ms *MetricsService) GetSnapshotHistory(minutes int) ([]MetricsSnapshot, error) {
	var snapshots []MetricsSnapshot

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	err := db.DB.Where("timestamp >= ?", cutoff).
		Order("timestamp DESC").
		Find(&snapshots).Error

	return snapshots, err
}
