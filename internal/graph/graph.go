package graph

import (
	"context"
	"strings"

	"CryptoPilot/internal/coordinator"
	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/run"
	"CryptoPilot/pkg/logger"
)

// Node 是调度图中的节点标识。
type Node string

const (
	NodeCoordinator Node = "coordinator"
	NodeFinance     Node = "finance"
	NodeSentiment   Node = "sentiment"
	NodeWebSearch   Node = "websearch"
	NodeTrade       Node = "trade"
	NodeTerminal    Node = "terminal"
)

// defaultMaxSteps 限制单次运行中协调器的决策次数，防止调度死循环。
const defaultMaxSteps = 8

// routeTable 把协调器输出的处理器名称映射到图节点。
// 键是归一化后的名称：小写并去掉空格、连字符与下划线。
var routeTable = map[string]Node{
	"finance":            NodeFinance,
	"financeagent":       NodeFinance,
	"crypto":             NodeFinance,
	"cryptopriceagent":   NodeFinance,
	"websearch":          NodeWebSearch,
	"websearchagent":     NodeWebSearch,
	"search":             NodeWebSearch,
	"searchagent":        NodeWebSearch,
	"sentiment":          NodeSentiment,
	"sentimentagent":     NodeSentiment,
	"newssentiment":      NodeSentiment,
	"newssentimentagent": NodeSentiment,
	"newsentiment":       NodeSentiment,
	"newsentimentagent":  NodeSentiment,
	"trade":              NodeTrade,
	"tradeagent":         NodeTrade,
	"trading":            NodeTrade,
	"tradingagent":       NodeTrade,
}

// Route 把协调器选择的名称解析为图节点。
// 名称匹配不区分大小写，忽略空格、连字符与下划线；
// 无法识别的名称一律落到终止节点，绝不报错。
func Route(selected string) Node {
	normalized := strings.ToLower(strings.TrimSpace(selected))
	normalized = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(normalized)
	if normalized == strings.ToLower(coordinator.FinishSentinel) {
		return NodeTerminal
	}
	if node, ok := routeTable[normalized]; ok {
		return node
	}
	return NodeTerminal
}

// Decider 是协调器在图中暴露的决策能力。
type Decider interface {
	Decide(ctx context.Context, mem *run.Memory) (coordinator.Choice, error)
	Synthesize(ctx context.Context, mem *run.Memory) (string, error)
}

// Worker 是处理器在图中暴露的执行能力。
type Worker interface {
	Name() string
	Execute(ctx context.Context, mem *run.Memory) error
}

// Graph 按严格串行的方式驱动一次运行：
// 协调器决策与处理器执行交替进行，直到协调器选择结束。
type Graph struct {
	decider  Decider
	workers  map[Node]Worker
	maxSteps int
}

// Option 定义构建 Graph 的可选配置。
type Option func(*Graph)

// WithMaxSteps 覆盖单次运行的决策次数上限。
func WithMaxSteps(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.maxSteps = n
		}
	}
}

// New 创建调度图。workers 以处理器名称注册到对应节点。
func New(decider Decider, workers []Worker, opts ...Option) *Graph {
	g := &Graph{
		decider:  decider,
		workers:  make(map[Node]Worker, len(workers)),
		maxSteps: defaultMaxSteps,
	}
	for _, w := range workers {
		if w == nil {
			continue
		}
		g.workers[Route(w.Name())] = w
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Observer 在每个节点完成后收到工作内存的快照。
type Observer func(snapshot *run.Memory)

// Run 驱动一次完整的运行直到产生最终输出。
// 每个节点完成后推送一次快照；任何一步失败立即终止，不做重试。
func (g *Graph) Run(ctx context.Context, mem *run.Memory, observe Observer) error {
	if g.decider == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度图未配置协调器")
	}
	notify := func() {
		if observe != nil {
			observe(mem.Snapshot())
		}
	}

	for step := 0; step < g.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "运行被取消")
		}

		choice, err := g.decider.Decide(ctx, mem)
		if err != nil {
			return err
		}
		if err := mem.RecordDecision(choice.Selected, choice.Reasoning, choice.Task); err != nil {
			return err
		}
		notify()

		node := Route(choice.Selected)
		if choice.Finish() || node == NodeTerminal {
			if node != NodeTerminal || !choice.Finish() {
				logger.L().Warn("协调器选择了未知处理器，按结束处理",
					"run_id", mem.RunID, "selected", choice.Selected)
			}
			return g.finish(ctx, mem, notify)
		}

		worker, ok := g.workers[node]
		if !ok {
			logger.L().Warn("节点没有注册处理器，按结束处理",
				"run_id", mem.RunID, "node", string(node))
			return g.finish(ctx, mem, notify)
		}

		if err := worker.Execute(ctx, mem); err != nil {
			return err
		}
		notify()
	}

	logger.L().Warn("运行达到决策次数上限，强制合成最终回答",
		"run_id", mem.RunID, "max_steps", g.maxSteps)
	return g.finish(ctx, mem, notify)
}

// finish 合成最终回答并写入工作内存。
func (g *Graph) finish(ctx context.Context, mem *run.Memory, notify func()) error {
	answer, err := g.decider.Synthesize(ctx, mem)
	if err != nil {
		return err
	}
	mem.Finish(answer)
	notify()
	return nil
}
