package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

// maxMetadataSize bounds the metadata document read from a remote server.
const maxMetadataSize = 1 << 20

// FetchMetadata loads endpoint's well-known metadata document. The request
// is bounded by the fetch timeout.
func (d *Directory) FetchMetadata(ctx context.Context, endpoint string) (*spl402.ServerMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, d.fetchTimeout)
	defer cancel()

	url := normalizeEndpoint(endpoint) + spl402.WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request returned status %d", resp.StatusCode)
	}

	var meta spl402.ServerMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &meta, nil
}

// DiscoverWithMetadata runs Discover and fetches every server for its
// metadata document, one at a time. A failed fetch leaves Metadata nil.
func (d *Directory) DiscoverWithMetadata(ctx context.Context) ([]spl402.VerifiedServer, error) {
	servers, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}

	for i := range servers {
		meta, err := d.FetchMetadata(ctx, servers[i].Endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Info("metadata fetch failed",
				zap.String("endpoint", servers[i].Endpoint),
				zap.Error(err),
			)
			continue
		}
		servers[i].Metadata = meta
	}
	return servers, nil
}
