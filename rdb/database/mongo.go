package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func init() {
	Register("mongo", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
		opts, err := decodeOptions[MongoOptions](options)
		if err != nil {
			return nil, err
		}
		return NewMongoWithOptions(ctx, opts)
	})
}

// MongoOptions MongoDB 连接选项
type MongoOptions struct {
	URI         string        `cfg:"uri"`
	Host        string        `cfg:"host" def:"localhost"`
	Port        int           `cfg:"port" def:"27017"`
	Database    string        `cfg:"database" validate:"required"`
	Username    string        `cfg:"username"`
	Password    string        `cfg:"password"`
	AuthSource  string        `cfg:"authSource" def:"admin"`
	Timeout     time.Duration `cfg:"timeout" def:"10s"`
	MaxPoolSize uint64        `cfg:"maxPoolSize" def:"100"`

	// Transactions 使用会话事务，需要副本集或分片集群
	Transactions bool `cfg:"transactions"`

	Identity *uid.Options `cfg:"identity"`
}

// Mongo MongoDB 后端，主键列映射为 _id
type Mongo struct {
	client       *mongo.Client
	database     *mongo.Database
	identity     *uid.Identity
	transactions bool
	inTx         bool
}

func NewMongoWithOptions(ctx context.Context, opts *MongoOptions) (*Mongo, error) {
	uri := opts.URI
	if uri == "" {
		if opts.Username != "" && opts.Password != "" {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s",
				opts.Username, opts.Password, opts.Host, opts.Port, opts.Database, opts.AuthSource)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d/%s", opts.Host, opts.Port, opts.Database)
		}
	}

	identity, err := uid.NewIdentityWithOptions(opts.Identity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).SetMaxPoolSize(opts.MaxPoolSize)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongodb")
	}

	// 测试连接
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping mongodb")
	}

	return &Mongo{
		client:       client,
		database:     client.Database(opts.Database),
		identity:     identity,
		transactions: opts.Transactions,
	}, nil
}

func (m *Mongo) Kind() string {
	return "mongo"
}

func (m *Mongo) Migrate(ctx context.Context, model *rdb.TableModel) error {
	if len(model.Indexes) == 0 {
		return nil
	}
	indexes := make([]mongo.IndexModel, 0, len(model.Indexes))
	for _, index := range model.Indexes {
		keys := bson.D{}
		for _, f := range index.Fields {
			keys = append(keys, bson.E{Key: m.field(model, f), Value: 1})
		}
		indexes = append(indexes, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetName(index.Name).SetUnique(index.Unique),
		})
	}
	if _, err := m.database.Collection(model.Table).Indexes().CreateMany(ctx, indexes); err != nil {
		return errors.Wrapf(err, "failed to create indexes on %s", model.Table)
	}
	return nil
}

func (m *Mongo) field(model *rdb.TableModel, name string) string {
	if name == model.PrimaryKey {
		return "_id"
	}
	return name
}

// toDocument 主键改写为 _id，json 列转换为通用的 map/slice
func (m *Mongo) toDocument(model *rdb.TableModel, row rdb.Row) (bson.M, error) {
	doc := make(bson.M, len(row))
	for k, v := range row {
		if f, ok := model.Field(k); ok && f.Type == rdb.FieldTypeJSON && v != nil {
			buf, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to encode column %s", k)
			}
			var generic any
			if err := json.Unmarshal(buf, &generic); err != nil {
				return nil, errors.Wrapf(err, "failed to encode column %s", k)
			}
			v = generic
		}
		doc[m.field(model, k)] = v
	}
	return doc, nil
}

func (m *Mongo) fromDocument(model *rdb.TableModel, doc bson.M) rdb.Row {
	row := fromBSON(doc)
	if id, ok := row["_id"]; ok {
		delete(row, "_id")
		row[model.PrimaryKey] = id
	}
	return row
}

// filter 查询条件中的主键列改写为 _id
func (m *Mongo) filter(model *rdb.TableModel, q query.Query) (bson.M, error) {
	if q == nil {
		return bson.M{}, nil
	}
	cond, err := q.ToMongo()
	if err != nil {
		return nil, err
	}
	return bson.M(renameField(cond, model.PrimaryKey, "_id")), nil
}

func renameField(cond map[string]interface{}, from, to string) map[string]interface{} {
	out := make(map[string]interface{}, len(cond))
	for k, v := range cond {
		switch k {
		case "$and", "$or", "$nor":
			if list, ok := v.([]interface{}); ok {
				renamed := make([]interface{}, 0, len(list))
				for _, item := range list {
					if sub, ok := item.(map[string]interface{}); ok {
						item = renameField(sub, from, to)
					}
					renamed = append(renamed, item)
				}
				v = renamed
			}
		case from:
			k = to
		}
		out[k] = v
	}
	return out
}

func (m *Mongo) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	row = row.Clone()
	if v, ok := row[model.PrimaryKey]; !ok || v == nil {
		row[model.PrimaryKey] = m.identity.Next(model.PrimaryField().Type == rdb.FieldTypeInt)
	}
	doc, err := m.toDocument(model, row)
	if err != nil {
		return nil, err
	}
	if _, err := m.database.Collection(model.Table).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, uniqueConstraint(model, row, err)
		}
		return nil, errors.Wrap(err, "InsertOne failed")
	}
	return model.NormalizeID(row[model.PrimaryKey])
}

func (m *Mongo) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	doc, err := m.toDocument(model, withoutPrimary(model, row))
	if err != nil {
		return 0, err
	}
	if len(doc) == 0 {
		return m.Count(ctx, model, query.Term(model.PrimaryKey, id))
	}
	result, err := m.database.Collection(model.Table).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": doc})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, uniqueConstraint(model, withPrimary(model, row, id), err)
		}
		return 0, errors.Wrap(err, "UpdateOne failed")
	}
	return result.MatchedCount, nil
}

func (m *Mongo) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	result, err := m.database.Collection(model.Table).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, errors.Wrap(err, "DeleteOne failed")
	}
	return result.DeletedCount, nil
}

func (m *Mongo) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	var doc bson.M
	err := m.database.Collection(model.Table).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, rdb.ErrRowNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "FindOne failed")
	}
	return m.fromDocument(model, doc), nil
}

func (m *Mongo) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	options := rdb.NewFindOptions(opts...)
	filter, err := m.filter(model, q)
	if err != nil {
		return nil, err
	}

	findOptions := optionsFind(options, m.field(model, options.OrderBy))
	cursor, err := m.database.Collection(model.Table).Find(ctx, filter, findOptions)
	if err != nil {
		return nil, errors.Wrap(err, "Find failed")
	}
	defer cursor.Close(ctx)

	var rows []rdb.Row
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode failed")
		}
		rows = append(rows, m.fromDocument(model, doc))
	}
	return rows, cursor.Err()
}

func optionsFind(o *rdb.FindOptions, sortField string) *options.FindOptions {
	findOptions := options.Find()
	if o.OrderBy != "" {
		direction := 1
		if o.OrderDesc {
			direction = -1
		}
		findOptions.SetSort(bson.D{{Key: sortField, Value: direction}})
	} else {
		findOptions.SetSort(bson.D{{Key: "_id", Value: 1}})
	}
	if o.Limit > 0 {
		findOptions.SetLimit(int64(o.Limit))
	}
	if o.Offset > 0 {
		findOptions.SetSkip(int64(o.Offset))
	}
	return findOptions
}

func (m *Mongo) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	filter, err := m.filter(model, q)
	if err != nil {
		return 0, err
	}
	n, err := m.database.Collection(model.Table).CountDocuments(ctx, filter)
	return n, errors.Wrap(err, "CountDocuments failed")
}

func (m *Mongo) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	filter, err := m.filter(model, q)
	if err != nil {
		return 0, err
	}
	result, err := m.database.Collection(model.Table).DeleteMany(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(err, "DeleteMany failed")
	}
	return result.DeletedCount, nil
}

// WithTx 未开启 Transactions 时直接执行，写操作各自原子
func (m *Mongo) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	if m.inTx || !m.transactions {
		return fn(ctx, m)
	}

	session, err := m.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "start session failed")
	}
	defer session.EndSession(ctx)

	child := &Mongo{client: m.client, database: m.database, identity: m.identity, transactions: true, inTx: true}
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, child)
	})
	return err
}

func (m *Mongo) Close() error {
	if m.inTx {
		return nil
	}
	return m.client.Disconnect(context.Background())
}

// fromBSON 把驱动返回的 bson 类型转换为普通的 Go 类型
func fromBSON(m bson.M) rdb.Row {
	row := make(rdb.Row, len(m))
	for k, v := range m {
		row[k] = fromBSONValue(v)
	}
	return row
}

func fromBSONValue(v any) any {
	switch val := v.(type) {
	case primitive.DateTime:
		return val.Time()
	case primitive.A:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, fromBSONValue(item))
		}
		return out
	case primitive.M:
		return map[string]any(fromBSON(bson.M(val)))
	case primitive.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	case primitive.ObjectID:
		return val.Hex()
	default:
		return v
	}
}
