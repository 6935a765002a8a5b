package minibot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const geonamesRequestTimeout = 10 * time.Second

// GeoNamesClient resolves city names to IANA timezone identifiers via the
// GeoNames web services (searchJSON for geocoding, getJSON for the
// timezone attached to a place record). Requests are rate limited, since
// the free tier enforces hourly and daily credit limits.
type GeoNamesClient struct {
	baseURL    string
	username   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewGeoNamesClient(
	cfg *GeoNamesConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *GeoNamesClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: geonamesRequestTimeout}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultGeoNamesBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps < 1 {
		rps = DefaultGeoNamesRequestsPerSecond
	}
	return &GeoNamesClient{
		baseURL:    baseURL,
		username:   cfg.Username,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger:     logger.With(loggerNameKey, "geonames"),
	}
}

// Enabled reports whether a GeoNames username is configured. Without one,
// timezone registration by city name is unavailable.
func (g *GeoNamesClient) Enabled() bool {
	return g.username != ""
}

type geonamesStatus struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

type geonamesPlace struct {
	GeonameID   int    `json:"geonameId"`
	Name        string `json:"name"`
	CountryName string `json:"countryName"`
	Timezone    *struct {
		TimeZoneID string `json:"timeZoneId"`
	} `json:"timezone"`
	Status *geonamesStatus `json:"status"`
}

type geonamesSearchResponse struct {
	TotalResultsCount int             `json:"totalResultsCount"`
	Geonames          []geonamesPlace `json:"geonames"`
	Status            *geonamesStatus `json:"status"`
}

// TimezoneForCity resolves a user-supplied city name to an IANA timezone
// identifier. An unrecognized city yields [ErrCityNotFound]; credential
// and quota problems reported by GeoNames yield [ErrConfiguration]
// errors distinct from transport failures.
func (g *GeoNamesClient) TimezoneForCity(
	ctx context.Context,
	city string,
) (string, error) {
	if !g.Enabled() {
		return "", fmt.Errorf("%w: geonames username not set", ErrConfiguration)
	}

	query := url.Values{}
	query.Set("q", city)
	query.Set("maxRows", "1")
	query.Set("fuzzy", "0")
	query.Set("isNameRequired", "true")
	query.Set("featureClass", "P")
	query.Set("cities", "cities15000")
	query.Set("username", g.username)

	var search geonamesSearchResponse
	if err := g.getJSON(ctx, "/searchJSON", query, &search); err != nil {
		return "", err
	}
	if search.Status != nil {
		return "", fmt.Errorf(
			"%w: geonames: %s",
			ErrConfiguration,
			search.Status.Message,
		)
	}
	if search.TotalResultsCount == 0 || len(search.Geonames) == 0 {
		return "", ErrCityNotFound
	}
	place := search.Geonames[0]
	g.logger.DebugContext(
		ctx,
		"geocoded city",
		"query", city,
		"name", place.Name,
		"country", place.CountryName,
		"geoname_id", place.GeonameID,
	)

	query = url.Values{}
	query.Set("geonameId", fmt.Sprintf("%d", place.GeonameID))
	query.Set("username", g.username)

	var detail geonamesPlace
	if err := g.getJSON(ctx, "/getJSON", query, &detail); err != nil {
		return "", err
	}
	if detail.Status != nil {
		return "", fmt.Errorf(
			"%w: geonames: %s",
			ErrConfiguration,
			detail.Status.Message,
		)
	}
	if detail.Timezone == nil || detail.Timezone.TimeZoneID == "" {
		return "", ErrCityNotFound
	}
	return detail.Timezone.TimeZoneID, nil
}

func (g *GeoNamesClient) getJSON(
	ctx context.Context,
	path string,
	query url.Values,
	out any,
) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	u := fmt.Sprintf("%s%s?%s", g.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geonames request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geonames request failed: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("geonames response unmarshal failed: %w", err)
	}
	return nil
}
