package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// 雪花ID：41位时间戳 + 10位节点ID + 12位序列号
// 起始时间 2024-01-01 00:00:00 UTC
const epoch = int64(1704067200000)

var (
	node     *snowflake.Node
	nodeErr  error
	initOnce sync.Once
)

// Init 初始化节点，nodeID 范围 0-1023，多实例部署时每个实例必须不同
func Init(nodeID int64) error {
	initOnce.Do(func() {
		snowflake.Epoch = epoch
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// NextID 生成下一个ID
func NextID() int64 {
	if node == nil {
		if err := Init(1); err != nil {
			panic(err)
		}
	}
	return node.Generate().Int64()
}

// GenerateEntryNo 生成流水号
// 格式：LE + 年月日 + 完整雪花ID，例如 LE20240115_1746936212349112320
func GenerateEntryNo() string {
	id := NextID()
	return fmt.Sprintf("LE%s_%d", time.Now().UTC().Format("20060102"), id)
}
