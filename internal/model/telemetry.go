package model

import "github.com/google/uuid"

// Telemetry is one device submission, keyed by the identity the device generated for it.
type Telemetry struct {
	ID             int64     `gorm:"primaryKey"`
	TS             int64     `gorm:"column:ts;not null"`
	ItemID         *string   `gorm:"column:item_id;size:256"`
	ItemID2        *string   `gorm:"column:item_id_2;size:256"`
	DeviceIdentity uuid.UUID `gorm:"column:device_identity;type:uuid;uniqueIndex;not null"`
	ChipID         *int32    `gorm:"column:chip_id"`
	BatteryVoltage int32     `gorm:"column:battery_voltage;not null"`
	BootCode       int32     `gorm:"column:boot_code;not null"`
	ErrorCode      int32     `gorm:"column:error_code;not null"`
	ReturnCode     *int32    `gorm:"column:return_code"`
	BytesWritten   *int32    `gorm:"column:bytes_written"`
	RemoteAddrs    []string  `gorm:"column:remote_addrs;serializer:json;type:text;not null"`
}

// TableName keeps the singular table name.
func (Telemetry) TableName() string { return "telemetry" }
