package workflow

import "strings"

// Node 是工作流图中的一个节点。data 中的 label 决定节点类型。
type Node struct {
	ID   string         `json:"id"`
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data"`
}

// Label 返回节点标签，缺省时回退到 type。
func (n Node) Label() string {
	if n.Data != nil {
		if label, ok := n.Data["label"].(string); ok && strings.TrimSpace(label) != "" {
			return strings.TrimSpace(label)
		}
	}
	return strings.TrimSpace(n.Type)
}

// Edge 连接两个节点。分发逻辑不读取边。
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph 是用户提交的完整工作流图。
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges,omitempty"`
}
