package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/models"
)

// MaxMediaBytes bounds a single downloaded attachment.
const MaxMediaBytes = 5 << 20

// DownloadMedia fetches the bytes of an attachment so it can be re-uploaded
// to another platform. It returns the content type reported by the server,
// falling back to ref.MimeType.
func DownloadMedia(ctx context.Context, client *http.Client, ref models.MediaRef) ([]byte, string, error) {
	if ref.URL == "" {
		return nil, "", fmt.Errorf("%w: media %s has no url", common.ErrValidation, ref.Key())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: media url: %v", common.ErrValidation, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: download media: %w", common.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, "", fmt.Errorf("%w: download media: status %d", common.ErrNetwork, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("%w: download media: status %d", common.ErrValidation, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: download media: %w", common.ErrNetwork, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("%w: media %s exceeds %d bytes", common.ErrValidation, ref.Key(), MaxMediaBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = ref.MimeType
	}
	return data, mime, nil
}
