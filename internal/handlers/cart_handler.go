package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-checkout-saga/internal/cart"
	"github.com/imrishuroy/go-checkout-saga/internal/catalog"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

func (h *api) getCart(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	ct, err := h.Carts.Get(c.Request.Context(), uid)
	if err != nil {
		h.internalError(c, "cart_read_failed", err)
		return
	}
	c.JSON(http.StatusOK, cartBody(uid, ct))
}

func (h *api) upsertCartItem(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req validation.CartItemRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()

	qty := *req.Quantity
	if qty > 0 && h.Products != nil {
		if _, err := h.Products.Get(ctx, req.ProductID); err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found", "product_id": req.ProductID})
				return
			}
			h.internalError(c, "catalog_read_failed", err)
			return
		}
	}

	ct, err := h.Carts.UpsertItem(ctx, uid, req.ProductID, qty)
	if err != nil {
		h.writeCartError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartBody(uid, ct))
}

func (h *api) removeCartItem(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	ct, err := h.Carts.RemoveItem(c.Request.Context(), uid, c.Param("product_id"))
	if err != nil {
		h.writeCartError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartBody(uid, ct))
}

func (h *api) writeCartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cart.ErrQuantityLimitExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity_limit_exceeded"})
	case errors.Is(err, cart.ErrConcurrentUpdate):
		c.JSON(http.StatusConflict, gin.H{"error": "cart_conflict"})
	default:
		h.internalError(c, "cart_write_failed", err)
	}
}

// cartBody always renders items as a list, never null.
func cartBody(uid string, ct cart.Cart) gin.H {
	items := ct.Items
	if items == nil {
		items = []cart.Item{}
	}
	return gin.H{"user_id": uid, "items": items}
}
