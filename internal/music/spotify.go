package music

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"socialcal/internal/apperr"
)

const (
	SpotifyTokenURL = "https://accounts.spotify.com/api/token"
	SpotifyAPIBase  = "https://api.spotify.com"

	searchTimeout = 15 * time.Second
)

// Track is the metadata attached to a music event.
type Track struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ArtistID    string `json:"artist_id"`
	ArtistName  string `json:"artist_name"`
	PreviewURL  string `json:"preview_url"`
	ExternalURL string `json:"external_url"`
}

// Client looks up a representative track for an artist. A nil track with a
// nil error means nothing matched.
type Client interface {
	SearchTrack(ctx context.Context, artist string) (*Track, error)
}

// SpotifyConfig configures the Spotify Web API client.
type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	// TokenURL and APIBase override the Spotify endpoints (tests).
	TokenURL string
	APIBase  string
}

// SpotifyClient searches tracks with an app token obtained through the
// client-credentials grant. Tokens are cached and refreshed by oauth2.
type SpotifyClient struct {
	http    *http.Client
	apiBase string
}

func NewSpotifyClient(cfg SpotifyConfig) *SpotifyClient {
	if cfg.TokenURL == "" {
		cfg.TokenURL = SpotifyTokenURL
	}
	if cfg.APIBase == "" {
		cfg.APIBase = SpotifyAPIBase
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	hc := cc.Client(context.Background())
	hc.Timeout = searchTimeout
	return &SpotifyClient{http: hc, apiBase: strings.TrimRight(cfg.APIBase, "/")}
}

type searchResponse struct {
	Tracks struct {
		Items []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"artists"`
			PreviewURL   string            `json:"preview_url"`
			ExternalURLs map[string]string `json:"external_urls"`
		} `json:"items"`
	} `json:"tracks"`
}

func (c *SpotifyClient) SearchTrack(ctx context.Context, artist string) (*Track, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("artist:%q", artist))
	q.Set("type", "track")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/v1/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.FetchFailed, err, "spotify search")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperr.Newf(apperr.HTTPStatus(resp.StatusCode), "spotify search: status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperr.Wrap(apperr.FetchFailed, err, "decode spotify search")
	}
	if len(body.Tracks.Items) == 0 {
		return nil, nil
	}

	item := body.Tracks.Items[0]
	t := &Track{
		ID:          item.ID,
		Name:        item.Name,
		PreviewURL:  item.PreviewURL,
		ExternalURL: item.ExternalURLs["spotify"],
	}
	if len(item.Artists) > 0 {
		t.ArtistID = item.Artists[0].ID
		t.ArtistName = item.Artists[0].Name
	}
	return t, nil
}
