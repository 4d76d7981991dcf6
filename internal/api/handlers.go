package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/repository"
)

// getStatus 当前状态机状态
func (r *Router) getStatus(c *gin.Context) {
	status := r.machine.Snapshot()

	resp := gin.H{
		"state":           status.State,
		"profile":         status.Profile,
		"bus_healthy":     status.BusHealthy,
		"total_vends":     status.TotalVends,
		"total_denied":    status.TotalDenied,
		"total_uncertain": status.TotalUncertain,
	}
	if status.Session != nil {
		resp["session"] = gin.H{
			"id":                status.Session.ID,
			"item_number":       status.Session.ItemNumber,
			"amount":            status.Session.Amount,
			"currency":          status.Session.Currency,
			"invoice_id":        status.Session.InvoiceID,
			"remaining_seconds": status.Session.RemainingSeconds(),
		}
	}
	if r.hub != nil {
		resp["display_clients"] = r.hub.OnlineCount()
	}

	c.JSON(http.StatusOK, resp)
}

// listTransactions 交易流水列表
func (r *Router) listTransactions(c *gin.Context) {
	if r.txRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "持久化未启用"})
		return
	}

	p := repository.NewPagination(queryInt(c, "page", 1), queryInt(c, "page_size", 20))

	var (
		txs []*models.VendTransaction
		err error
	)
	if status := c.Query("status"); status != "" {
		txs, err = r.txRepo.ListByStatus(c.Request.Context(), status, p)
	} else {
		txs, err = r.txRepo.List(c.Request.Context(), p)
	}
	if err != nil {
		r.log.Error("查询交易流水失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, apperrors.NewErrorResponse(
			apperrors.Wrap(err, apperrors.ErrDatabaseQuery)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"page":         p.Page,
		"page_size":    p.PageSize,
		"total":        p.Total,
	})
}

// listReconciliation 待对账交易（已收款但出货结果未知）
func (r *Router) listReconciliation(c *gin.Context) {
	if r.txRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "持久化未启用"})
		return
	}

	p := repository.NewPagination(queryInt(c, "page", 1), queryInt(c, "page_size", 20))
	txs, err := r.txRepo.ListByStatus(c.Request.Context(), models.VendStatusDeliveryUncertain, p)
	if err != nil {
		r.log.Error("查询对账队列失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, apperrors.NewErrorResponse(
			apperrors.Wrap(err, apperrors.ErrDatabaseQuery)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"total":        p.Total,
	})
}

// listSerialLogs 最近的串口流水
func (r *Router) listSerialLogs(c *gin.Context) {
	if r.logRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "持久化未启用"})
		return
	}

	if sessionID := c.Query("session_id"); sessionID != "" {
		logs, err := r.logRepo.GetBySessionID(sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, apperrors.NewErrorResponse(
				apperrors.Wrap(err, apperrors.ErrDatabaseQuery)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
		return
	}

	logs, err := r.logRepo.Recent(queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, apperrors.NewErrorResponse(
			apperrors.Wrap(err, apperrors.ErrDatabaseQuery)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func queryInt(c *gin.Context, key string, def int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}
