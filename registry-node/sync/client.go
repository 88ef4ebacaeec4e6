package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/types"
)

// Wire shapes shared with the HTTP server's sync handlers.
type (
	// RootResponse is the remote registry's latest sealed root.
	RootResponse struct {
		RegistryID string `json:"registryId"`
		BatchID    string `json:"batchId,omitempty"`
		MerkleRoot string `json:"merkleRoot,omitempty"`
		BatchCount uint64 `json:"batchCount"`
	}

	// BatchesResponse lists sealed batches created at or after a cutoff.
	BatchesResponse struct {
		RegistryID string         `json:"registryId"`
		Batches    []*types.Batch `json:"batches"`
	}

	// ProofsResponse lists the proofs of one sealed batch.
	ProofsResponse struct {
		RegistryID string         `json:"registryId"`
		BatchID    string         `json:"batchId"`
		Proofs     []*types.Proof `json:"proofs"`
	}
)

// Client speaks the federation sync API of one remote registry.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a sync client for the peer endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "peer unreachable")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LatestRoot fetches the peer's most recent sealed root.
func (c *Client) LatestRoot(ctx context.Context) (*RootResponse, error) {
	out := &RootResponse{}
	if err := c.get(ctx, "/pohw/sync/merkle-root", out); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchesSince fetches every batch the peer sealed at or after since.
func (c *Client) BatchesSince(ctx context.Context, since time.Time) ([]*types.Batch, error) {
	out := &BatchesResponse{}
	path := fmt.Sprintf("/pohw/sync/batches?since=%s", url.QueryEscape(since.UTC().Format(time.RFC3339)))
	if err := c.get(ctx, path, out); err != nil {
		return nil, err
	}
	return out.Batches, nil
}

// BatchProofs fetches the full proof records of one of the peer's batches.
func (c *Client) BatchProofs(ctx context.Context, batchID string) ([]*types.Proof, error) {
	out := &ProofsResponse{}
	path := "/pohw/sync/proofs?batch=" + url.QueryEscape(batchID)
	if err := c.get(ctx, path, out); err != nil {
		return nil, err
	}
	return out.Proofs, nil
}
