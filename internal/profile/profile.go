package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义用户画像查询的通用接口。
type Provider interface {
	Lookup(userID string) (Profile, bool)
}

// Profile 描述一个用户的交易画像，作为上下文注入每次运行。
type Profile struct {
	UserID        string  `json:"user_id"`
	Name          string  `json:"name"`
	RiskLevel     string  `json:"risk_level"`
	BaseCurrency  string  `json:"base_currency"`
	CashBalance   float64 `json:"cash_balance"`
	PortfolioNote string  `json:"portfolio_note"`
}

// Describe 生成供提示词引用的单行画像描述。
func (p Profile) Describe() string {
	var builder strings.Builder
	if p.Name != "" {
		builder.WriteString(p.Name)
	} else {
		builder.WriteString(p.UserID)
	}
	if p.RiskLevel != "" {
		builder.WriteString(fmt.Sprintf(", risk level %s", p.RiskLevel))
	}
	if p.BaseCurrency != "" {
		builder.WriteString(fmt.Sprintf(", cash balance %.2f %s", p.CashBalance, p.BaseCurrency))
	}
	if p.PortfolioNote != "" {
		builder.WriteString(". " + p.PortfolioNote)
	}
	return builder.String()
}

// StaticProvider 通过加载 JSON 文件提供静态用户画像。
type StaticProvider struct {
	profiles map[string]Profile
}

// NewStaticProvider 创建静态画像实例。
func NewStaticProvider(profiles []Profile) *StaticProvider {
	index := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if strings.TrimSpace(p.UserID) == "" {
			continue
		}
		index[p.UserID] = p
	}
	return &StaticProvider{profiles: index}
}

// LoadStaticProvider 从 JSON 文件加载用户画像。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("画像文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析画像路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取画像文件失败: %w", err)
	}
	defer file.Close()

	var entries []Profile
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析画像文件失败: %w", err)
	}

	return NewStaticProvider(entries), nil
}

// Lookup 按用户标识查询画像。
func (p *StaticProvider) Lookup(userID string) (Profile, bool) {
	if p == nil {
		return Profile{}, false
	}
	profile, ok := p.profiles[userID]
	return profile, ok
}

var _ Provider = (*StaticProvider)(nil)
