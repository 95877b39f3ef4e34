package output

import (
	"context"
	"fmt"

	"git.fiblab.net/general/common/v2/mongoutil"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
	"go.mongodb.org/mongo-driver/mongo"
)

// Mongo 运行摘要写入MongoDB集合
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo 连接MongoDB
// 说明：连接失败时mongoutil直接panic，与加载输入数据时的行为一致
func NewMongo(c config.OutputPath) *Mongo {
	client := mongoutil.NewClient(c.URI)
	return &Mongo{
		client: client,
		coll:   mongoutil.GetMongoColl(client, c),
	}
}

func (m *Mongo) Name() string {
	return "mongo:" + m.coll.Database().Name() + "." + m.coll.Name()
}

func (m *Mongo) WriteSummary(ctx context.Context, r Record) error {
	if _, err := m.coll.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("output: insert run %s into mongo: %w", r.RunID, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
