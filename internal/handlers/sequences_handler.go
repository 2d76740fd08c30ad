package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
	"github.com/imrishuroy/go-cart-recovery/internal/validation"
)

// startSequence handles POST /sequences.
func (a *api) startSequence(c *gin.Context) {
	var req validation.StartSequenceRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}
	inst, err := a.cfg.Sequences.Start(c.Request.Context(), sequences.StartRequest{
		Campaign:    req.Campaign,
		CustomerKey: req.CustomerKey,
		Recipient:   req.ChannelRecipient(),
		Context:     req.Context,
	})
	switch {
	case errors.Is(err, sequences.ErrUnknownCampaign):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_campaign", "campaign": req.Campaign})
		return
	case errors.Is(err, sequences.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "sequence_conflict"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start_failed", "detail": err.Error()})
		return
	}
	c.Header("Location", fmt.Sprintf("/sequences/%s/%s", inst.Campaign, inst.CustomerKey))
	c.JSON(http.StatusCreated, inst)
}

// getSequence handles GET /sequences/:campaign/:customer.
func (a *api) getSequence(c *gin.Context) {
	inst, err := a.cfg.Sequences.Active(c.Request.Context(), c.Param("campaign"), c.Param("customer"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed", "detail": err.Error()})
		return
	}
	if inst == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_sequence"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// cancelSequence handles DELETE /sequences/:campaign/:customer.
func (a *api) cancelSequence(c *gin.Context) {
	cancelled, err := a.cfg.Sequences.Cancel(c.Request.Context(), c.Param("campaign"), c.Param("customer"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
