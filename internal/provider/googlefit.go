// Package provider wraps the Google Fit REST API behind the sync engine's
// provider boundary: transparent token refresh plus one daily-aggregate call.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
)

const (
	stepCountDataType = "com.google.step_count.delta"
	dayMillis         = 24 * 60 * 60 * 1000

	// ScopeActivityRead is the delegated scope requested at connect time.
	ScopeActivityRead = "https://www.googleapis.com/auth/fitness.activity.read"
)

// Config carries OAuth client credentials and endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string // e.g. https://www.googleapis.com/fitness/v1
	AuthURL      string // e.g. https://accounts.google.com/o/oauth2/auth
	TokenURL     string // e.g. https://oauth2.googleapis.com/token
	Timeout      time.Duration
}

// GoogleFitClient implements domain.ProviderClient against the Google Fit
// aggregate endpoint.
type GoogleFitClient struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewGoogleFitClient constructs a client with sane defaults.
func NewGoogleFitClient(cfg Config) *GoogleFitClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://accounts.google.com/o/oauth2/auth"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	return &GoogleFitClient{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{ScopeActivityRead},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// AuthCodeURL builds the consent URL for connecting a user. Offline access
// with forced consent so Google always returns a refresh token.
func (c *GoogleFitClient) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for a token pair.
func (c *GoogleFitClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return token, nil
}

// AggregateDaily refreshes the user's access token and fetches day-bucketed
// step aggregates over [start, end]. Auth failures come back as
// *domain.AuthError so the worker can degrade instead of failing.
func (c *GoogleFitClient) AggregateDaily(ctx context.Context, conn domain.Connection, start, end time.Time) ([]domain.Bucket, error) {
	token, err := c.refresh(ctx, conn)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(aggregateRequest{
		AggregateBy:     []aggregateBy{{DataTypeName: stepCountDataType}},
		BucketByTime:    bucketByTime{DurationMillis: dayMillis},
		StartTimeMillis: start.UnixMilli(),
		EndTimeMillis:   end.UnixMilli(),
	})
	if err != nil {
		return nil, &domain.ProviderError{Op: "aggregate", Err: err}
	}

	url := c.cfg.BaseURL + "/users/me/dataset:aggregate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ProviderError{Op: "aggregate", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Op: "aggregate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.AuthError{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: string(detail),
		}
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.ProviderError{
			Op:     "aggregate",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response: %s", detail),
		}
	}

	var payload aggregateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &domain.ProviderError{Op: "aggregate", Status: resp.StatusCode, Err: err}
	}

	return payload.buckets()
}

// refresh obtains a fresh access token from the stored refresh token. Tokens
// are refreshed on every call; the access token in the connection record is
// treated as expired.
func (c *GoogleFitClient) refresh(ctx context.Context, conn domain.Connection) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	source := c.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})

	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			// invalid_grant means the user revoked access or the grant expired.
			if retrieveErr.ErrorCode == "invalid_grant" ||
				status == http.StatusUnauthorized || status == http.StatusForbidden {
				return nil, &domain.AuthError{
					Code:    retrieveErr.ErrorCode,
					Message: retrieveErr.ErrorDescription,
				}
			}
			return nil, &domain.ProviderError{Op: "refresh", Status: status, Err: err}
		}
		return nil, &domain.ProviderError{Op: "refresh", Err: err}
	}
	return token, nil
}

type aggregateRequest struct {
	AggregateBy     []aggregateBy `json:"aggregateBy"`
	BucketByTime    bucketByTime  `json:"bucketByTime"`
	StartTimeMillis int64         `json:"startTimeMillis"`
	EndTimeMillis   int64         `json:"endTimeMillis"`
}

type aggregateBy struct {
	DataTypeName string `json:"dataTypeName"`
}

type bucketByTime struct {
	DurationMillis int64 `json:"durationMillis"`
}

type aggregateResponse struct {
	Bucket []struct {
		StartTimeMillis string `json:"startTimeMillis"`
		Dataset         []struct {
			Point []struct {
				Value []struct {
					IntVal int64   `json:"intVal"`
					FpVal  float64 `json:"fpVal"`
				} `json:"value"`
			} `json:"point"`
		} `json:"dataset"`
	} `json:"bucket"`
}

// buckets flattens the nested aggregate shape: one bucket per day, value =
// sum of point values with missing sub-values treated as zero.
func (r *aggregateResponse) buckets() ([]domain.Bucket, error) {
	out := make([]domain.Bucket, 0, len(r.Bucket))
	for _, b := range r.Bucket {
		millis, err := strconv.ParseInt(b.StartTimeMillis, 10, 64)
		if err != nil {
			return nil, &domain.ProviderError{Op: "aggregate", Err: fmt.Errorf("malformed bucket start %q: %w", b.StartTimeMillis, err)}
		}

		var total int64
		for _, ds := range b.Dataset {
			for _, p := range ds.Point {
				if len(p.Value) == 0 {
					continue
				}
				total += p.Value[0].IntVal
			}
		}

		out = append(out, domain.Bucket{
			Start: time.UnixMilli(millis).UTC(),
			Value: total,
		})
	}
	return out, nil
}
