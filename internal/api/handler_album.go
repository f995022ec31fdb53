package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"epd-frame-backend/internal/store"
)

// AlbumResponse is the GET /api/album body.
type AlbumResponse struct {
	Total     int                `json:"total"`
	Portraits int                `json:"portraits"`
	Items     []store.AlbumEntry `json:"items"`
}

// GetAlbum handles the GET /api/album request. Pixel data is never included.
func GetAlbum(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := s.ListAlbum(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve album"})
			return
		}

		resp := AlbumResponse{Total: len(entries), Items: entries}
		if resp.Items == nil {
			resp.Items = []store.AlbumEntry{}
		}
		for _, e := range entries {
			if e.Portrait {
				resp.Portraits++
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
