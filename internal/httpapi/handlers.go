package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/essentialpopstar/powerd/internal/webhook"
	"github.com/essentialpopstar/powerd/pkg/power"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger    *zap.Logger
	service   *power.Service
	processor *webhook.Processor
}

func (handler *httpHandler) handleGetPower(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithPower(ctx, claims.GetUserID())
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := power.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if strings.TrimSpace(request.Reason) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", "reason is required"))
		return
	}
	reason, err := power.NewReason(power.ReasonPrefixSpend + request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", "reason is required"))
		return
	}

	updated, err := handler.service.Spend(ctx.Request.Context(), userID, request.Cost, reason)
	if err != nil {
		var insufficient power.InsufficientPowerError
		switch {
		case errors.As(err, &insufficient):
			ctx.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":     "insufficient_power",
					"message":  "not enough power",
					"current":  insufficient.Current,
					"required": insufficient.Required,
				},
			})
		case errors.Is(err, power.ErrInvalidAmount):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cost", "cost must be greater than zero"))
		default:
			handler.logger.Error("spend failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "spend failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"current":                updated.Current,
		"spent":                  request.Cost,
		"reason":                 reason.String(),
		"next_refill_in_seconds": int64(updated.NextRefillIn / time.Second),
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithHistory(ctx, claims.GetUserID(), playerHistoryLimit)
}

func (handler *httpHandler) handlePurchaseEvent(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	signature := ctx.GetHeader("X-Signature")
	if signature == "" {
		signature = ctx.GetHeader("X-RevenueCat-Signature")
	}

	result, err := handler.processor.Process(ctx.Request.Context(), body, signature)
	if err != nil {
		handler.logger.Error("webhook apply failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "event apply failed"))
		return
	}
	switch result.Status {
	case webhook.StatusRejected:
		if result.Detail == webhook.RejectInvalidSignature {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid signature"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event"))
	case webhook.StatusIgnored:
		ctx.JSON(http.StatusOK, gin.H{"status": string(result.Status), "detail": result.Detail})
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": string(result.Status)})
	}
}

func (handler *httpHandler) handleGetConfig(ctx *gin.Context) {
	config, err := handler.service.Config(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("config fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "config unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, configPayloadFrom(config))
}

func (handler *httpHandler) handleUpdateConfig(ctx *gin.Context) {
	var request configUpdateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	update := power.ConfigUpdate{
		MaxPower:     request.MaxPower,
		RefillAmount: request.RefillAmount,
	}
	if request.RefillIntervalMinutes != nil {
		interval := time.Duration(*request.RefillIntervalMinutes) * time.Minute
		update.RefillInterval = &interval
	}

	config, err := handler.service.UpdateConfig(ctx.Request.Context(), update)
	if err != nil {
		if errors.Is(err, power.ErrInvalidConfig) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_config", err.Error()))
			return
		}
		handler.logger.Error("config update failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "config update failed"))
		return
	}
	ctx.JSON(http.StatusOK, configPayloadFrom(config))
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := power.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "userId is required"))
		return
	}
	if strings.TrimSpace(request.Reason) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", "reason is required"))
		return
	}
	reason, err := power.NewReason(power.ReasonPrefixAdmin + request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", "reason is required"))
		return
	}
	key, err := power.NewIdempotencyKey("admin_" + uuid.NewString())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "key generation failed"))
		return
	}
	metadata, _ := power.NewMetadataJSON("")

	result, err := handler.service.Grant(ctx.Request.Context(), userID, request.Amount, reason, &key, "", metadata)
	if err != nil {
		if errors.Is(err, power.ErrInvalidAmount) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be non-zero"))
			return
		}
		handler.logger.Error("admin grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "grant failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted": result.Granted,
		"power":   powerPayloadFrom(result.Power),
	})
}

func (handler *httpHandler) handleAdminGetPower(ctx *gin.Context) {
	handler.respondWithPower(ctx, ctx.Param("userId"))
}

func (handler *httpHandler) handleAdminHistory(ctx *gin.Context) {
	handler.respondWithHistory(ctx, ctx.Param("userId"), adminHistoryLimit)
}

func (handler *httpHandler) respondWithPower(ctx *gin.Context, rawUserID string) {
	userID, err := power.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id is required"))
		return
	}
	effective, err := handler.service.Get(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("power fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "power unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, powerPayloadFrom(effective))
}

func (handler *httpHandler) respondWithHistory(ctx *gin.Context, rawUserID string, maxLimit int) {
	userID, err := power.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id is required"))
		return
	}
	limit := 0
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	entries, err := handler.service.History(ctx.Request.Context(), userID, limit)
	if err != nil {
		handler.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "history unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		metadata := entry.MetadataJSON
		if metadata == "" {
			metadata = "{}"
		}
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Delta:          entry.Delta,
			Reason:         entry.Reason,
			IdempotencyKey: entry.IdempotencyKey,
			ExternalTxnID:  entry.ExternalTxnID,
			Metadata:       json.RawMessage(metadata),
			CreatedUnixUTC: entry.CreatedAt.UTC().Unix(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func powerPayloadFrom(effective power.EffectivePower) powerPayload {
	return powerPayload{
		Current:               effective.Current,
		Max:                   effective.Max,
		RefillAmount:          effective.RefillAmount,
		RefillIntervalSeconds: int64(effective.RefillInterval / time.Second),
		NextRefillInSeconds:   int64(effective.NextRefillIn / time.Second),
		LastUpdateUnixUTC:     effective.LastUpdate.UTC().Unix(),
	}
}

func configPayloadFrom(config power.Config) gin.H {
	return gin.H{
		"max_power":               config.MaxPower,
		"refill_amount":           config.RefillAmount,
		"refill_interval_minutes": int64(config.RefillInterval / time.Minute),
	}
}

type spendRequest struct {
	Cost   int64  `json:"cost"`
	Reason string `json:"reason"`
}

type configUpdateRequest struct {
	MaxPower              *int64 `json:"max_power"`
	RefillAmount          *int64 `json:"refill_amount"`
	RefillIntervalMinutes *int64 `json:"refill_interval_minutes"`
}

type adminGrantRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type powerPayload struct {
	Current               int64 `json:"current"`
	Max                   int64 `json:"max"`
	RefillAmount          int64 `json:"refill_amount"`
	RefillIntervalSeconds int64 `json:"refill_interval_seconds"`
	NextRefillInSeconds   int64 `json:"next_refill_in_seconds"`
	LastUpdateUnixUTC     int64 `json:"last_update_unix_utc"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExternalTxnID  string          `json:"external_txn_id"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
