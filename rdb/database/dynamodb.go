package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hatlonely/multidb/rdb"
	"github.com/hatlonely/multidb/rdb/query"
	"github.com/hatlonely/multidb/uid"
	"github.com/pkg/errors"
)

func init() {
	Register("dynamodb", func(ctx context.Context, options map[string]any) (rdb.Conn, error) {
		opts, err := decodeOptions[DynamoDBOptions](options)
		if err != nil {
			return nil, err
		}
		return NewDynamoDBWithOptions(ctx, opts)
	})
}

type DynamoDBOptions struct {
	Region string `cfg:"region" def:"us-east-1"`

	// Endpoint 自定义服务地址，如 DynamoDB Local
	Endpoint string `cfg:"endpoint"`

	// 为空时使用默认凭证链
	AccessKeyID     string `cfg:"accessKeyID"`
	SecretAccessKey string `cfg:"secretAccessKey"`
	SessionToken    string `cfg:"sessionToken"`

	// TablePrefix 表名前缀
	TablePrefix string `cfg:"tablePrefix"`

	// MigrateTimeout 建表后等待表可用的最长时间
	MigrateTimeout time.Duration `cfg:"migrateTimeout" def:"2m"`

	Identity *uid.Options `cfg:"identity"`
}

// DynamoDB 每张表一个 DynamoDB 表，主键为分区键
// 写操作通过条件表达式保证单条原子性，查询通过 Scan 在客户端过滤
type DynamoDB struct {
	client         *dynamodb.Client
	prefix         string
	migrateTimeout time.Duration
	identity       *uid.Identity
}

func NewDynamoDBWithOptions(ctx context.Context, options *DynamoDBOptions) (*DynamoDB, error) {
	identity, err := uid.NewIdentityWithOptions(options.Identity)
	if err != nil {
		return nil, err
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(options.Region)}
	if options.AccessKeyID != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKeyID, options.SecretAccessKey, options.SessionToken),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws configuration")
	}

	client := dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
		}
	})

	return &DynamoDB{
		client:         client,
		prefix:         options.TablePrefix,
		migrateTimeout: options.MigrateTimeout,
		identity:       identity,
	}, nil
}

func (d *DynamoDB) Kind() string {
	return "dynamodb"
}

func (d *DynamoDB) table(model *rdb.TableModel) *string {
	return aws.String(d.prefix + model.Table)
}

func keyType(model *rdb.TableModel) types.ScalarAttributeType {
	if model.PrimaryField().Type == rdb.FieldTypeInt {
		return types.ScalarAttributeTypeN
	}
	return types.ScalarAttributeTypeS
}

func (d *DynamoDB) Migrate(ctx context.Context, model *rdb.TableModel) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: d.table(model),
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String(model.PrimaryKey),
			AttributeType: keyType(model),
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String(model.PrimaryKey),
			KeyType:       types.KeyTypeHash,
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return errors.Wrapf(err, "failed to create table %s", *d.table(model))
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: d.table(model)}, d.migrateTimeout); err != nil {
		return errors.Wrapf(err, "table %s not ready", *d.table(model))
	}
	return nil
}

func (d *DynamoDB) key(model *rdb.TableModel, id any) (map[string]types.AttributeValue, any, error) {
	normalized, err := model.NormalizeID(id)
	if err != nil {
		return nil, nil, err
	}
	av, err := attributevalue.Marshal(normalized)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal key")
	}
	return map[string]types.AttributeValue{model.PrimaryKey: av}, normalized, nil
}

func (d *DynamoDB) decode(item map[string]types.AttributeValue) (rdb.Row, error) {
	var m map[string]any
	err := attributevalue.UnmarshalMapWithOptions(item, &m, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal item")
	}
	return rdb.Row(m), nil
}

func isConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

func (d *DynamoDB) Insert(ctx context.Context, model *rdb.TableModel, row rdb.Row) (any, error) {
	encoded, err := model.EncodeJSON(row)
	if err != nil {
		return nil, err
	}
	if v, ok := encoded[model.PrimaryKey]; !ok || v == nil {
		encoded[model.PrimaryKey] = d.identity.Next(model.PrimaryField().Type == rdb.FieldTypeInt)
	}
	id, err := model.NormalizeID(encoded[model.PrimaryKey])
	if err != nil {
		return nil, err
	}
	encoded[model.PrimaryKey] = id

	item, err := attributevalue.MarshalMap(map[string]any(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal item")
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                d.table(model),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": model.PrimaryKey},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, &rdb.UniqueConstraintError{Table: model.Table, Column: model.PrimaryKey, Value: id, Err: err}
		}
		return nil, errors.Wrap(err, "PutItem failed")
	}
	return id, nil
}

func (d *DynamoDB) Update(ctx context.Context, model *rdb.TableModel, id any, row rdb.Row) (int64, error) {
	key, _, err := d.key(model, id)
	if err != nil {
		return 0, err
	}
	encoded, err := model.EncodeJSON(withoutPrimary(model, row))
	if err != nil {
		return 0, err
	}
	if len(encoded) == 0 {
		if _, err := d.Get(ctx, model, id); err != nil {
			if errors.Is(err, rdb.ErrRowNotFound) {
				return 0, nil
			}
			return 0, err
		}
		return 1, nil
	}

	names := map[string]string{"#pk": model.PrimaryKey}
	values := map[string]types.AttributeValue{}
	var sets, removes []string
	for i, column := range sortedColumns(model, encoded) {
		name := fmt.Sprintf("#f%d", i)
		names[name] = column
		if encoded[column] == nil {
			removes = append(removes, name)
			continue
		}
		av, err := attributevalue.Marshal(encoded[column])
		if err != nil {
			return 0, errors.Wrapf(err, "failed to marshal column %s", column)
		}
		placeholder := fmt.Sprintf(":v%d", i)
		values[placeholder] = av
		sets = append(sets, name+" = "+placeholder)
	}

	var expr []string
	if len(sets) > 0 {
		expr = append(expr, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		expr = append(expr, "REMOVE "+strings.Join(removes, ", "))
	}
	input := &dynamodb.UpdateItemInput{
		TableName:                d.table(model),
		Key:                      key,
		UpdateExpression:         aws.String(strings.Join(expr, " ")),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		input.ExpressionAttributeValues = values
	}
	if _, err := d.client.UpdateItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "UpdateItem failed")
	}
	return 1, nil
}

func (d *DynamoDB) Delete(ctx context.Context, model *rdb.TableModel, id any) (int64, error) {
	key, _, err := d.key(model, id)
	if err != nil {
		return 0, err
	}
	out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    d.table(model),
		Key:          key,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return 0, errors.Wrap(err, "DeleteItem failed")
	}
	if len(out.Attributes) == 0 {
		return 0, nil
	}
	return 1, nil
}

func (d *DynamoDB) Get(ctx context.Context, model *rdb.TableModel, id any) (rdb.Row, error) {
	key, _, err := d.key(model, id)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      d.table(model),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "GetItem failed")
	}
	if len(out.Item) == 0 {
		return nil, rdb.ErrRowNotFound
	}
	return d.decode(out.Item)
}

func (d *DynamoDB) scan(ctx context.Context, model *rdb.TableModel) ([]rdb.Row, error) {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:      d.table(model),
		ConsistentRead: aws.Bool(true),
	})
	var rows []rdb.Row
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "Scan failed")
		}
		for _, item := range page.Items {
			row, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (d *DynamoDB) Find(ctx context.Context, model *rdb.TableModel, q query.Query, opts ...rdb.FindOption) ([]rdb.Row, error) {
	rows, err := d.scan(ctx, model)
	if err != nil {
		return nil, err
	}
	return filterRows(model, rows, q, rdb.NewFindOptions(opts...)), nil
}

func (d *DynamoDB) Count(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	rows, err := d.Find(ctx, model, q)
	return int64(len(rows)), err
}

func (d *DynamoDB) DeleteWhere(ctx context.Context, model *rdb.TableModel, q query.Query) (int64, error) {
	rows, err := d.Find(ctx, model, q)
	if err != nil {
		return 0, err
	}
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row[model.PrimaryKey])
	}
	var affected int64
	for _, id := range ids {
		n, err := d.Delete(ctx, model, id)
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

// WithTx 直接在当前连接上执行
func (d *DynamoDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx rdb.Conn) error) error {
	return fn(ctx, d)
}

func (d *DynamoDB) Close() error {
	return nil
}
