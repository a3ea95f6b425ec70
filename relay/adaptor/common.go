package adaptor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/songquanpeng/conduit-gateway/common/client"
	"github.com/songquanpeng/conduit-gateway/common/logger"
	"github.com/songquanpeng/conduit-gateway/relay/model"
)

// Do executes req against the shared upstream HTTP client. Callers are
// responsible for closing resp.Body.
func Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := client.HTTPClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "do upstream request")
	}
	return resp, nil
}

// ClassifyStatus maps an HTTP status code to an error-taxonomy kind, used
// when a provider's response body doesn't carry its own classification hint.
func ClassifyStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.KindAuthentication
	case status == http.StatusTooManyRequests:
		return model.KindRateLimited
	case status == http.StatusNotFound:
		return model.KindModelUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return model.KindValidation
	case status == http.StatusGatewayTimeout:
		return model.KindTimeout
	case status >= 500:
		return model.KindUpstream
	default:
		return model.KindCommunication
	}
}

// NewUpstreamError builds a normalized error from a non-2xx upstream
// response, reading and folding in a bounded prefix of its body.
func NewUpstreamError(resp *http.Response) *model.ErrorWithStatusCode {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := ClassifyStatus(resp.StatusCode)
	msg := string(body)

	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	built := model.NewError(kind, msg)
	built.StatusCode = resp.StatusCode
	return built
}

// LogUpstreamFailure logs an upstream call failure at ERROR level; a failed
// upstream call after the request left the gateway is a potential unbilled
// request and always worth an operator's attention.
func LogUpstreamFailure(providerName, modelName string, err error) {
	logger.Logger.Error("upstream request failed",
		zap.String("provider", providerName),
		zap.String("model", modelName),
		zap.Error(err))
}

// DecodeJSON decodes resp.Body into v, wrapping decode failures with context.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "decode upstream response")
	}
	return nil
}
