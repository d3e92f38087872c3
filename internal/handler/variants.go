package handler

import (
	"CryptoPilot/internal/coordinator"
	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/tool"
)

// 四个处理器的固定名称。上下文键以它们为前缀，路由表以它们为目标。
const (
	NameFinance   = "finance"
	NameSentiment = "sentiment"
	NameWebSearch = "websearch"
	NameTrade     = "trade"
)

// NewFinance 创建行情处理器：实时价格、历史走势与市值数据。
func NewFinance(client llm.Client, tools tool.Provider, maxToolCalls int) *Handler {
	return New(client, Config{
		Name:       NameFinance,
		Capability: "fetches live and historical cryptocurrency prices, volumes and market data",
		Instructions: "You are a crypto market data analyst. Use the available tools to fetch " +
			"exact prices, volumes and historical data for the requested assets. Report concrete numbers.",
		Tools:        tools,
		MaxToolCalls: maxToolCalls,
	})
}

// NewSentiment 创建舆情处理器：新闻与市场情绪分析。
func NewSentiment(client llm.Client, tools tool.Provider, maxToolCalls int) *Handler {
	return New(client, Config{
		Name:       NameSentiment,
		Capability: "analyses recent news and social sentiment around crypto assets",
		Instructions: "You are a market sentiment analyst. Use the available tools to gather recent " +
			"news and gauge sentiment for the requested assets. Summarise the overall tone with evidence.",
		Tools:        tools,
		MaxToolCalls: maxToolCalls,
	})
}

// NewWebSearch 创建检索处理器：通用网页搜索。
func NewWebSearch(client llm.Client, tools tool.Provider, maxToolCalls int) *Handler {
	return New(client, Config{
		Name:       NameWebSearch,
		Capability: "performs general web searches for information outside market data feeds",
		Instructions: "You are a research assistant. Use the available search tools to find current, " +
			"factual information for the requested topic and cite what you found.",
		Tools:        tools,
		MaxToolCalls: maxToolCalls,
	})
}

// NewTrade 创建交易处理器：执行买卖并记录成交确认。
func NewTrade(client llm.Client, tools tool.Provider, maxToolCalls int) *Handler {
	return New(client, Config{
		Name:       NameTrade,
		Capability: "executes buy and sell orders on the user's crypto account",
		Instructions: "You are a trade execution assistant. Use the trading tools to place exactly the " +
			"order described in the task. Never trade more than the task asks for. Report the execution result.",
		Tools:        tools,
		MaxToolCalls: maxToolCalls,
		RecordTrades: true,
	})
}

// Catalog 按给定顺序生成协调器需要的处理器目录。
func Catalog(handlers ...*Handler) []coordinator.HandlerInfo {
	entries := make([]coordinator.HandlerInfo, 0, len(handlers))
	for _, h := range handlers {
		if h == nil {
			continue
		}
		entries = append(entries, coordinator.HandlerInfo{Name: h.Name(), Capability: h.Capability()})
	}
	return entries
}
