package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

// Status API paths.
const (
	PathDashboard  = "/api/sno/"
	PathSatellites = "/api/sno/satellites"
	PathPayout     = "/api/sno/estimated-payout"
)

// maxBody bounds a status API response.
const maxBody = 8 << 20

// =============================================================================
// Wire types
// =============================================================================

type dashboardResponse struct {
	NodeID     string `json:"nodeID"`
	Satellites []struct {
		ID           string     `json:"id"`
		URL          string     `json:"url"`
		Disqualified *time.Time `json:"disqualified"`
		Suspended    *time.Time `json:"suspended"`
	} `json:"satellites"`
	DiskSpace struct {
		Used      int64 `json:"used"`
		Available int64 `json:"available"`
		Trash     int64 `json:"trash"`
		Overused  int64 `json:"overused"`
	} `json:"diskSpace"`
}

type satellitesResponse struct {
	Audits []struct {
		SatelliteName   string  `json:"satelliteName"`
		AuditScore      float64 `json:"auditScore"`
		SuspensionScore float64 `json:"suspensionScore"`
		OnlineScore     float64 `json:"onlineScore"`
	} `json:"audits"`
}

type payoutResponse struct {
	CurrentMonth struct {
		Payout float64 `json:"payout"`
		Held   float64 `json:"held"`
	} `json:"currentMonth"`
	CurrentMonthExpectations float64 `json:"currentMonthExpectations"`
}

// =============================================================================
// Client
// =============================================================================

// Client reads a node's status API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API at baseURL. A nil hc gets a client
// with config.DefaultRequestTimeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: config.DefaultRequestTimeout}
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: hc,
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", errors.ErrTimeout, path, err)
		}
		return fmt.Errorf("%w: %s: %w", errors.ErrConnectionFailed, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return fmt.Errorf("%w: %s returned %d", errors.ErrStatusCode, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", errors.ErrConnectionFailed, path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrMalformedStatus, path, err)
	}
	return nil
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, PathDashboard, nil)
}

// GetReputation returns one snapshot per satellite. Scores are converted
// from fractions to percent. Satellite identity and the disqualified and
// suspended flags come from the dashboard; scores come from the satellites
// endpoint, matched by satellite address.
func (c *Client) GetReputation(ctx context.Context, node string, at time.Time) ([]types.ReputationSnapshot, error) {
	var dash dashboardResponse
	if err := c.get(ctx, PathDashboard, &dash); err != nil {
		return nil, err
	}
	var sats satellitesResponse
	if err := c.get(ctx, PathSatellites, &sats); err != nil {
		return nil, err
	}

	type info struct {
		id                      string
		disqualified, suspended bool
	}
	byURL := make(map[string]info, len(dash.Satellites))
	for _, s := range dash.Satellites {
		byURL[s.URL] = info{id: s.ID, disqualified: s.Disqualified != nil, suspended: s.Suspended != nil}
	}

	out := make([]types.ReputationSnapshot, 0, len(sats.Audits))
	for _, a := range sats.Audits {
		if a.SatelliteName == "" {
			continue
		}
		in, ok := byURL[a.SatelliteName]
		if !ok {
			in.id = a.SatelliteName
		}
		out = append(out, types.ReputationSnapshot{
			Node:            node,
			SatelliteID:     in.id,
			SatelliteURL:    a.SatelliteName,
			AuditScore:      percent(a.AuditScore),
			SuspensionScore: percent(a.SuspensionScore),
			OnlineScore:     percent(a.OnlineScore),
			Disqualified:    in.disqualified,
			Suspended:       in.suspended,
			PolledAt:        at,
		})
	}
	return out, nil
}

// GetStorage returns the node's disk accounting. The API reports the
// allocation as "available"; the snapshot stores the remaining free space.
func (c *Client) GetStorage(ctx context.Context, node string, at time.Time) (types.StorageSnapshot, error) {
	var dash dashboardResponse
	if err := c.get(ctx, PathDashboard, &dash); err != nil {
		return types.StorageSnapshot{}, err
	}
	d := dash.DiskSpace
	if d.Used < 0 || d.Trash < 0 || d.Available < 0 {
		return types.StorageSnapshot{}, fmt.Errorf("%w: negative disk space", errors.ErrMalformedStatus)
	}
	free := d.Available - d.Used - d.Trash
	if free < 0 || d.Overused > 0 {
		free = 0
	}
	return types.StorageSnapshot{
		Node:           node,
		UsedBytes:      d.Used,
		AvailableBytes: free,
		TrashBytes:     d.Trash,
		PolledAt:       at,
	}, nil
}

// GetPayoutEstimate returns the current month's payout so far and the
// expected total, both in cents.
func (c *Client) GetPayoutEstimate(ctx context.Context, node string, at time.Time) (types.PayoutSnapshot, error) {
	var p payoutResponse
	if err := c.get(ctx, PathPayout, &p); err != nil {
		return types.PayoutSnapshot{}, err
	}
	return types.PayoutSnapshot{
		Node:                 node,
		CurrentMonthCents:    p.CurrentMonth.Payout,
		CurrentMonthExpected: p.CurrentMonthExpectations,
		PolledAt:             at,
	}, nil
}

func percent(fraction float64) float64 {
	return fraction * 100
}
