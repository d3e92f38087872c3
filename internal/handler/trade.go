package handler

import (
	"encoding/json"
	"strings"

	"CryptoPilot/internal/run"
	"CryptoPilot/pkg/logger"
)

// 交易执行工具的名称约定。只有这两个工具的响应会被扫描确认。
const (
	toolBuyCrypto  = "buy_crypto"
	toolSellCrypto = "sell_crypto"
)

// tradeConfirmation 是交易工具成功响应的结构。
type tradeConfirmation struct {
	Status         string  `json:"status"`
	TradeID        string  `json:"trade_id"`
	ExecutionPrice float64 `json:"execution_price"`
	TotalValue     float64 `json:"total_value"`
}

// collectTrades 扫描本次执行的工具调用，把成功的交易确认写入交易日志。
// 响应无法解析或不是成功状态时仅记录日志，绝不让确认解析失败使运行中断。
func (h *Handler) collectTrades(mem *run.Memory, result *run.HandlerResult, task string) {
	for _, call := range result.ToolCalls {
		var side run.Side
		switch call.Name {
		case toolBuyCrypto:
			side = run.SideBuy
		case toolSellCrypto:
			side = run.SideSell
		default:
			continue
		}

		var confirmation tradeConfirmation
		if err := json.Unmarshal([]byte(call.Response), &confirmation); err != nil {
			logger.L().Warn("交易确认响应不是合法 JSON，跳过记录",
				"handler", h.name,
				"tool", call.Name,
				"call_id", call.ID,
				"error", err,
			)
			continue
		}
		if !strings.EqualFold(confirmation.Status, "success") {
			continue
		}

		mem.AppendTrade(run.TradeRecord{
			TradeID:        confirmation.TradeID,
			Symbol:         stringArgument(call.Arguments, "symbol"),
			Side:           side,
			Quantity:       floatArgument(call.Arguments, "quantity"),
			Status:         "executed",
			Reason:         task,
			ExecutionPrice: confirmation.ExecutionPrice,
			TotalValue:     confirmation.TotalValue,
		})
	}
}

func stringArgument(args map[string]any, key string) string {
	if value, ok := args[key].(string); ok {
		return value
	}
	return ""
}

func floatArgument(args map[string]any, key string) float64 {
	switch value := args[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
