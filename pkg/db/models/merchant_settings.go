package models

import "time"

// MerchantSettings holds a merchant's payment gateway credentials. The epay
// key signs outbound payment requests and verifies inbound notifications;
// both paths must resolve it through the same record.
type MerchantSettings struct {
	MerchantID string    `gorm:"column:merchant_id;primaryKey"`
	EpayPID    string    `gorm:"column:epay_pid;not null"`
	EpayKey    string    `gorm:"column:epay_key;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
