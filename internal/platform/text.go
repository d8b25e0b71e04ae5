package platform

import (
	"strings"

	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/rivo/uniseg"
)

// Limits are a platform's content constraints.
type Limits struct {
	MaxGraphemes int
	MaxMedia     int
}

// Check validates c against l.
func (l Limits) Check(p models.Platform, c models.ContentItem) error {
	if strings.TrimSpace(c.Text) == "" && len(c.Media) == 0 {
		return Validationf(p, "post %s is empty", c.SourceID)
	}
	if n := uniseg.GraphemeClusterCount(c.Text); n > l.MaxGraphemes {
		return Validationf(p, "post %s has %d characters, limit is %d", c.SourceID, n, l.MaxGraphemes)
	}
	if len(c.Media) > l.MaxMedia {
		return Validationf(p, "post %s has %d attachments, limit is %d", c.SourceID, len(c.Media), l.MaxMedia)
	}
	return nil
}
