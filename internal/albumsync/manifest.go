package albumsync

// ManifestItem is one album entry as listed by the upstream manifest.
type ManifestItem struct {
	ID         string `json:"id"`
	ProductURL string `json:"productUrl"`
	Portrait   bool   `json:"portrait"`
	DataURL    string `json:"dataUrl"`
}

// ManifestResponse models the top-level structure of one manifest page.
type ManifestResponse struct {
	Code int `json:"code"`
	Data struct {
		Page     int            `json:"page"`
		PageSize int            `json:"pageSize"`
		Total    int            `json:"total"`
		Items    []ManifestItem `json:"items"`
	} `json:"data"`
}
