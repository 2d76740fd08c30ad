package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/idempotency"
	"github.com/imrishuroy/go-cart-recovery/internal/ingest"
	"github.com/imrishuroy/go-cart-recovery/internal/validation"
)

// activity handles POST /events/activity.
func (a *api) activity(c *gin.Context) {
	var req validation.ActivityRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}
	meta := a.meta(c)
	a.once(c, ingest.EventActivity, meta, func() (int, any) {
		out, err := a.cfg.Ingestor.Activity(c.Request.Context(), req, meta)
		switch {
		case errors.Is(err, carts.ErrNoContact):
			return http.StatusOK, out
		case err != nil:
			a.logger.Error("activity ingest failed", "cart_key", req.CartKey, "error", err)
			return http.StatusInternalServerError, gin.H{"error": "ingest_failed", "detail": err.Error()}
		}
		return http.StatusAccepted, out
	})
}

// conversion handles POST /events/conversion. Unknown carts are accepted too.
func (a *api) conversion(c *gin.Context) {
	var req validation.ConversionRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}
	meta := a.meta(c)
	a.once(c, ingest.EventConversion, meta, func() (int, any) {
		if err := a.cfg.Ingestor.Conversion(c.Request.Context(), req, meta); err != nil {
			a.logger.Error("conversion ingest failed", "cart_key", req.CartKey, "error", err)
			return http.StatusInternalServerError, gin.H{"error": "ingest_failed", "detail": err.Error()}
		}
		return http.StatusAccepted, gin.H{"status": "accepted"}
	})
}

func (a *api) meta(c *gin.Context) ingest.Meta {
	return ingest.Meta{
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		CorrelationID:  c.GetHeader("X-Request-Id"),
	}
}

// once runs fn at most once per Idempotency-Key. Duplicates get the stored
// response; requests without the header always run.
func (a *api) once(c *gin.Context, eventType string, meta ingest.Meta, fn func() (int, any)) {
	if meta.IdempotencyKey == "" || a.cfg.Idempotency == nil {
		status, body := fn()
		c.JSON(status, body)
		return
	}

	ctx := c.Request.Context()
	key := eventType + "#" + meta.IdempotencyKey
	created, rec, err := a.cfg.Idempotency.Begin(ctx, key, eventType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
		return
	}
	if !created {
		a.replay(c, rec)
		return
	}

	status, body := fn()
	if status >= http.StatusInternalServerError {
		// let the sender retry with the same key
		_ = a.cfg.Idempotency.MarkFailed(ctx, key, fmt.Sprintf("status %d", status))
		c.JSON(status, body)
		return
	}
	raw, _ := json.Marshal(body)
	if err := a.cfg.Idempotency.MarkDone(ctx, key, string(raw), status); err != nil {
		a.logger.Warn("store idempotent response failed", "key", key, "error", err)
	}
	c.Data(status, "application/json; charset=utf-8", raw)
}

func (a *api) replay(c *gin.Context, rec *idempotency.Record) {
	if rec == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_record_missing"})
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" {
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return
		}
		c.JSON(rec.ResponseStatus, gin.H{"status": "duplicate"})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}
