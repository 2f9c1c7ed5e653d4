package handler

import (
	"strconv"

	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/common"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxPageSize = 200

type DepositHandler struct {
	repo domain.HoldRepo
}

func NewDepositHandler(repo domain.HoldRepo) *DepositHandler {
	return &DepositHandler{repo: repo}
}

type heldQuery struct {
	ChainID string `form:"chain_id"`
	Page    int    `form:"page"`
	Limit   int    `form:"limit"`
}

// ListHeld GET /deposits/held?chain_id=&page=&limit=
func (h *DepositHandler) ListHeld(c *gin.Context) {
	var q heldQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		common.FailFromErr(c, xerr.Wrap(err, xerr.RequestParamsError, "bad query"))
		return
	}
	if q.ChainID != "" {
		if _, err := strconv.ParseUint(q.ChainID, 10, 64); err != nil {
			common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "chain_id must be numeric"))
			return
		}
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = 50
	}

	deposits, err := h.repo.ListHeld(c.Request.Context(), q.ChainID, q.Page, q.Limit)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, deposits)
}

// ForceConfirm POST /admin/deposits/:chain_id/:tx_hash/confirm
// 只放行挂起中的充值，状态不对返回 409
func (h *DepositHandler) ForceConfirm(c *gin.Context) {
	chainID, txHash := c.Param("chain_id"), c.Param("tx_hash")
	if _, err := strconv.ParseUint(chainID, 10, 64); err != nil || !domain.IsTxHash(txHash) {
		common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "bad chain_id or tx_hash"))
		return
	}

	ctx := c.Request.Context()
	if err := h.repo.ForceConfirm(ctx, chainID, txHash); err != nil {
		common.FailFromErr(c, err)
		return
	}
	logger.Warn(ctx, "held deposit force confirmed",
		zap.String("chain_id", chainID),
		zap.String("tx_hash", txHash),
		zap.String("ip", c.ClientIP()))
	common.Success(c, gin.H{"chain_id": chainID, "tx_hash": txHash, "confirmed": true})
}
