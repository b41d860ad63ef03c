// Package webhook receives archive change notifications and hands the ones
// that describe a finished study to an ingester.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pacs/dicombridge/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Payload
// ---------------------------------------------------------------------------

// Event is the archive's change notification. Keys are matched
// case-insensitively by encoding/json, so both "ChangeType" and
// "changeType" decode.
type Event struct {
	ChangeType   string `json:"ChangeType"`
	ID           string `json:"ID"`
	Path         string `json:"Path"`
	ResourceType string `json:"ResourceType"`
	Seq          int64  `json:"Seq"`
}

// Default trigger values.
const (
	DefaultChangeType   = "StableStudy"
	DefaultResourceType = "Study"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is configured.
const SignatureHeader = "X-Webhook-Signature"

// maxBodyBytes bounds the notification body.
const maxBodyBytes = 64 * 1024

// Summary is what the gateway reports for an accepted event.
type Summary struct {
	State   string      `json:"state"`
	Partial bool        `json:"partial"`
	Result  interface{} `json:"result,omitempty"`
}

// Ingester runs the ingestion pipeline for one archive study id. A
// returned error means the event could not be processed at all.
type Ingester interface {
	IngestStudy(ctx context.Context, archiveStudyID string) (*Summary, error)
}

// Response dispositions.
const (
	DispositionIngested = "ingested"
	DispositionIgnored  = "ignored"
	DispositionFailed   = "failed"
)

// Response is the JSON body returned to the archive.
type Response struct {
	Disposition string   `json:"disposition"`
	ID          string   `json:"id,omitempty"`
	Message     string   `json:"message,omitempty"`
	Summary     *Summary `json:"summary,omitempty"`
	Shared      bool     `json:"shared,omitempty"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTrigger overrides the change and resource types that start ingestion.
func WithTrigger(changeType, resourceType string) GatewayOption {
	return func(g *Gateway) {
		if changeType != "" {
			g.changeType = changeType
		}
		if resourceType != "" {
			g.resourceType = resourceType
		}
	}
}

// WithSecret requires every request to carry a valid SignatureHeader.
func WithSecret(secret string) GatewayOption {
	return func(g *Gateway) { g.secret = secret }
}

// WithMetrics records dispositions.
func WithMetrics(p *telemetry.Provider) GatewayOption {
	return func(g *Gateway) { g.metrics = p }
}

// WithLogger sets the gateway logger.
func WithLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithDICOMWebBase sets the archive's public base URL used by the
// DICOMweb lookup route.
func WithDICOMWebBase(base string) GatewayOption {
	return func(g *Gateway) { g.dicomWebBase = strings.TrimRight(base, "/") }
}

// Gateway filters notifications and runs ingestion synchronously. Each
// request is its own unit of work; concurrent deliveries for the same
// archive id share a single in-flight ingestion.
type Gateway struct {
	ingester     Ingester
	changeType   string
	resourceType string
	secret       string
	dicomWebBase string
	inflight     singleflight.Group
	metrics      *telemetry.Provider
	logger       zerolog.Logger
}

func NewGateway(ingester Ingester, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		ingester:     ingester,
		changeType:   DefaultChangeType,
		resourceType: DefaultResourceType,
		logger:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With().Str("component", "webhook_gateway").Logger()
	return g
}

// Triggers reports whether ev should start an ingestion.
func (g *Gateway) Triggers(ev Event) bool {
	return ev.ChangeType == g.changeType && ev.ResourceType == g.resourceType && ev.ID != ""
}

// Handle filters and processes one event. It is the transport-free core
// of the HTTP handler. The error is non-nil only when ingestion failed.
func (g *Gateway) Handle(ctx context.Context, ev Event) (*Response, error) {
	log := g.logger.With().
		Str("change_type", ev.ChangeType).
		Str("resource_type", ev.ResourceType).
		Str("id", ev.ID).
		Int64("seq", ev.Seq).
		Logger()

	if !g.Triggers(ev) {
		log.Debug().Msg("webhook event ignored")
		g.metrics.RecordWebhook(DispositionIgnored)
		return &Response{Disposition: DispositionIgnored, ID: ev.ID}, nil
	}

	log.Info().Msg("webhook event received")
	start := time.Now()
	// The ingestion outlives a client that hangs up mid-request.
	v, err, shared := g.inflight.Do(ev.ID, func() (interface{}, error) {
		return g.ingester.IngestStudy(context.WithoutCancel(ctx), ev.ID)
	})
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("webhook ingestion failed")
		g.metrics.RecordWebhook(DispositionFailed)
		return &Response{Disposition: DispositionFailed, ID: ev.ID, Message: err.Error(), Shared: shared}, err
	}

	summary, _ := v.(*Summary)
	log.Info().Bool("shared", shared).Dur("elapsed", time.Since(start)).Msg("webhook ingestion finished")
	g.metrics.RecordWebhook(DispositionIngested)
	return &Response{Disposition: DispositionIngested, ID: ev.ID, Summary: summary, Shared: shared}, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// RegisterRoutes mounts the gateway on g (typically /api/orthanc).
func (g *Gateway) RegisterRoutes(grp *echo.Group) {
	grp.POST("/webhook", g.HandleWebhook)
	grp.GET("/dicomweb/:uid", g.DICOMWebURL)
}

// HandleWebhook answers 200 for ignored and ingested events and 500 when
// ingestion failed.
func (g *Gateway) HandleWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if g.secret != "" && !VerifySignature(body, g.secret, c.Request().Header.Get(SignatureHeader)) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}

	resp, err := g.Handle(c.Request().Context(), ev)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// DICOMWebURL returns the archive's DICOMweb location for a study.
func (g *Gateway) DICOMWebURL(c echo.Context) error {
	if g.dicomWebBase == "" {
		return echo.NewHTTPError(http.StatusNotFound, "DICOMweb base URL not configured")
	}
	uid := c.Param("uid")
	if uid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "study instance uid is required")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"url": g.dicomWebBase + "/dicom-web/studies/" + uid,
	})
}
