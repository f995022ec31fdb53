package model

// MediaItem is one pre-rendered image in the rotation album.
type MediaItem struct {
	ItemID      string `gorm:"column:item_id;primaryKey;size:256"`
	ProductURL  string `gorm:"column:product_url;not null"`
	LastShownTS int64  `gorm:"column:last_shown_ts;not null;index"` // Unix seconds
	Portrait    bool   `gorm:"not null"`
	Data        []byte `gorm:"not null"` // Packed 4bpp pixels, two per byte
}

// TableName pins the table to the name the devices' deployment already uses.
func (MediaItem) TableName() string { return "album" }

// Orientation describes the source geometry of a media item.
type Orientation string

const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
)

// Orientation reports whether the item is a full-width or half-width source.
func (m MediaItem) Orientation() Orientation {
	if m.Portrait {
		return Portrait
	}
	return Landscape
}
