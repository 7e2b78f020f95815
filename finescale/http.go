package finescale

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/notargets/scalebridge/bridge"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/metrics"
)

// UpdatePath is the endpoint the HTTP solver serves
const UpdatePath = "/v1/finescale/update"

// UpdateEnvelope is the body of an update call
type UpdateEnvelope struct {
	Info     bridge.StepInfo         `json:"info"`
	Requests []history.UpdateRequest `json:"requests"`
}

// ResultEnvelope is the body of an update response
type ResultEnvelope struct {
	Results []history.UpdateResult `json:"results,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Client calls a fine-scale solver served over HTTP
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ bridge.FineScale = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Update(ctx context.Context, info bridge.StepInfo, reqs []history.UpdateRequest) ([]history.UpdateResult, error) {
	body, err := json.Marshal(UpdateEnvelope{Info: info, Requests: reqs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+UpdatePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fine-scale call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fine-scale response: %w", err)
	}
	var env ResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("fine-scale response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fine-scale solver returned %s: %s", resp.Status, env.Error)
	}
	return env.Results, nil
}

// NewRouter serves fs at UpdatePath
func NewRouter(fs bridge.FineScale, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST(UpdatePath, func(c *gin.Context) {
		var env UpdateEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			metrics.FineScaleRequests.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, ResultEnvelope{Error: err.Error()})
			return
		}
		results, err := fs.Update(c.Request.Context(), env.Info, env.Requests)
		if err != nil {
			metrics.FineScaleRequests.WithLabelValues("error").Inc()
			logger.Error("fine-scale update failed",
				"request_id", c.GetHeader("X-Request-ID"), "step", env.Info.Step, "error", err)
			c.JSON(http.StatusInternalServerError, ResultEnvelope{Error: err.Error()})
			return
		}
		metrics.FineScaleRequests.WithLabelValues("ok").Inc()
		logger.Debug("fine-scale update",
			"request_id", c.GetHeader("X-Request-ID"), "step", env.Info.Step,
			"newton", env.Info.Newton, "points", len(env.Requests))
		c.JSON(http.StatusOK, ResultEnvelope{Results: results})
	})

	return router
}
