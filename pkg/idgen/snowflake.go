package idgen

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 订单号、流水号、批次号都由同一个节点生成：
//   1. 全局唯一 - 节点号区分实例
//   2. 趋势递增 - 便于数据库索引
//
// 节点号范围 0-1023，多实例部署时通过配置 server.node_id 区分
//
// ============================================================================

// Generator 业务单号生成器
type Generator struct {
	node *snowflake.Node
}

// New 创建生成器
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	return &Generator{node: node}, nil
}

// NextID 生成下一个ID
func (g *Generator) NextID() int64 {
	return g.node.Generate().Int64()
}

// OrderID 生成订单号
// 格式：SUB + 年月日时分秒 + 雪花ID后8位
// 例如：SUB20240115143052_12345678
func (g *Generator) OrderID() string {
	return g.format("SUB")
}

// RecordNo 生成流水号
func (g *Generator) RecordNo() string {
	return g.format("LED")
}

// BatchID 生成兑换码批次号
func (g *Generator) BatchID() string {
	return "B" + g.node.Generate().Base36()
}

func (g *Generator) format(prefix string) string {
	id := g.NextID()
	timestamp := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("%s%s%08d", prefix, timestamp, id%100000000)
}
