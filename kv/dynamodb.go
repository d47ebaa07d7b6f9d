package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/ttab/elephant-versionstore/internal"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(
		ctx context.Context, params *dynamodb.GetItemInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.GetItemOutput, error)
	PutItem(
		ctx context.Context, params *dynamodb.PutItemInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.PutItemOutput, error)
	UpdateItem(
		ctx context.Context, params *dynamodb.UpdateItemInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.UpdateItemOutput, error)
	Query(
		ctx context.Context, params *dynamodb.QueryInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.QueryOutput, error)
	TransactWriteItems(
		ctx context.Context, params *dynamodb.TransactWriteItemsInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.TransactWriteItemsOutput, error)
}

type DynamoDBClientOptions struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	AccessKeySecret string
	// MaxAttempts is the number of attempts the SDK makes for every
	// call, defaults to 1 so that failures surface immediately.
	MaxAttempts int
	HTTPClient  *http.Client
}

// DynamoDBClient creates a DynamoDB client from the default AWS
// configuration chain and the given overrides.
func DynamoDBClient(
	ctx context.Context, opts DynamoDBClientOptions,
) (*dynamodb.Client, error) {
	var (
		options    []func(*config.LoadOptions) error
		ddbOptions []func(*dynamodb.Options)
	)

	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}

	if opts.Region != "" {
		options = append(options, config.WithRegion(opts.Region))
	}

	if opts.Endpoint != "" {
		ddbOptions = append(ddbOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}

	if opts.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.AccessKeySecret, "")

		options = append(options,
			config.WithCredentialsProvider(creds))
	}

	if opts.HTTPClient != nil {
		options = append(options, config.WithHTTPClient(opts.HTTPClient))
	}

	ddbOptions = append(ddbOptions, func(o *dynamodb.Options) {
		o.RetryMaxAttempts = opts.MaxAttempts
		o.RetryMode = aws.RetryModeStandard
	})

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg, ddbOptions...), nil
}

type DynamoDBOptions struct {
	Logger    *slog.Logger
	TableName string
	// CallTimeout bounds every individual storage call, zero means that
	// only the caller's context applies.
	CallTimeout time.Duration
}

// DynamoDB is a Store backed by a DynamoDB table with a string partition key
// "PK" and a string sort key "SK".
type DynamoDB struct {
	logger  *slog.Logger
	client  DynamoDBAPI
	table   string
	timeout time.Duration
}

var _ Store = &DynamoDB{}

func NewDynamoDB(client DynamoDBAPI, opts DynamoDBOptions) (*DynamoDB, error) {
	if opts.TableName == "" {
		return nil, errors.New("missing table name")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DynamoDB{
		logger:  logger,
		client:  client,
		table:   opts.TableName,
		timeout: opts.CallTimeout,
	}, nil
}

func (d *DynamoDB) callContext(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	if d.timeout == 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d.timeout)
}

// GetItem implements Store.
func (d *DynamoDB) GetItem(
	ctx context.Context, key Key, consistent bool,
) (*Item, error) {
	err := key.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.callContext(ctx)
	defer cancel()

	res, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            keyAttributes(key),
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, d.classify(ctx, OpGetItem, key, err)
	}

	if len(res.Item) == 0 {
		return nil, Errorf(ErrCodeNotFound, "no item for %s", key)
	}

	it, err := ItemFromAttributes(res.Item)
	if err != nil {
		return nil, fmt.Errorf("invalid item %s: %w", key, err)
	}

	return &it, nil
}

// PutItem implements Store.
func (d *DynamoDB) PutItem(ctx context.Context, put Put) error {
	err := put.validate()
	if err != nil {
		return err
	}

	ctx, cancel := d.callContext(ctx)
	defer cancel()

	cond, names, values := conditionExpression(put.Condition)

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.table),
		Item:                      ItemAttributes(put.Item),
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return d.classify(ctx, OpPutItem, put.Item.Key, err)
	}

	return nil
}

// UpdateItem implements Store.
func (d *DynamoDB) UpdateItem(ctx context.Context, update Update) (*Item, error) {
	err := update.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.callContext(ctx)
	defer cancel()

	expr := updateExpression(update)

	res, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       keyAttributes(update.Key),
		UpdateExpression:          aws.String(expr.Update),
		ConditionExpression:       expr.Condition,
		ExpressionAttributeNames:  expr.Names,
		ExpressionAttributeValues: expr.Values,
		ReturnValues:              dtypes.ReturnValueAllNew,
	})
	if err != nil {
		return nil, d.classify(ctx, OpUpdateItem, update.Key, err)
	}

	it, err := ItemFromAttributes(res.Attributes)
	if err != nil {
		return nil, fmt.Errorf("invalid updated item %s: %w",
			update.Key, err)
	}

	return &it, nil
}

// Query implements Store.
func (d *DynamoDB) Query(ctx context.Context, q Query) ([]Item, error) {
	err := q.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.callContext(ctx)
	defer cancel()

	keyCond := "#pk = :pk"
	names := map[string]string{"#pk": AttrPartitionKey}
	values := map[string]dtypes.AttributeValue{
		":pk": &dtypes.AttributeValueMemberS{Value: q.ID},
	}

	if q.SortPrefix != "" {
		keyCond += " AND begins_with(#sk, :prefix)"
		names["#sk"] = AttrSortKey
		values[":prefix"] = &dtypes.AttributeValueMemberS{
			Value: q.SortPrefix,
		}
	}

	input := dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(q.ConsistentRead),
		ScanIndexForward:          aws.Bool(!q.Descending),
	}

	var items []Item

	for {
		if q.Limit > 0 {
			input.Limit = aws.Int32(int32(q.Limit - len(items))) //nolint:gosec
		}

		res, err := d.client.Query(ctx, &input)
		if err != nil {
			return nil, d.classify(ctx, OpQuery,
				Key{ID: q.ID, Sort: q.SortPrefix}, err)
		}

		for _, attrs := range res.Items {
			it, err := ItemFromAttributes(attrs)
			if err != nil {
				return nil, fmt.Errorf("invalid item in query result: %w", err)
			}

			items = append(items, it)
		}

		if len(res.LastEvaluatedKey) == 0 {
			break
		}

		if q.Limit > 0 && len(items) >= q.Limit {
			break
		}

		input.ExclusiveStartKey = res.LastEvaluatedKey
	}

	return items, nil
}

// TransactWrite implements Store.
func (d *DynamoDB) TransactWrite(ctx context.Context, items []TransactItem) error {
	err := validateTransaction(items)
	if err != nil {
		return err
	}

	ctx, cancel := d.callContext(ctx)
	defer cancel()

	txItems := make([]dtypes.TransactWriteItem, len(items))

	for i, ti := range items {
		switch {
		case ti.Update != nil:
			expr := updateExpression(*ti.Update)

			txItems[i].Update = &dtypes.Update{
				TableName:                 aws.String(d.table),
				Key:                       keyAttributes(ti.Update.Key),
				UpdateExpression:          aws.String(expr.Update),
				ConditionExpression:       expr.Condition,
				ExpressionAttributeNames:  expr.Names,
				ExpressionAttributeValues: expr.Values,
			}
		case ti.Put != nil:
			cond, names, values := conditionExpression(ti.Put.Condition)

			txItems[i].Put = &dtypes.Put{
				TableName:                 aws.String(d.table),
				Item:                      ItemAttributes(ti.Put.Item),
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}
		}
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: txItems,
	})
	if err != nil {
		return d.classify(ctx, OpTransactWrite, transactionKey(items[0]), err)
	}

	return nil
}

// Cancellation reason codes that signal a lost race against another writer.
const (
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"
)

func (d *DynamoDB) classify(
	ctx context.Context, op Operation, key Key, err error,
) error {
	var (
		condErr   *dtypes.ConditionalCheckFailedException
		cancelErr *dtypes.TransactionCanceledException
		apiErr    smithy.APIError
	)

	if errors.As(err, &condErr) {
		return Errorf(ErrCodeConditionFailed,
			"%s %s: condition failed: %w", op, key, err)
	}

	if errors.As(err, &cancelErr) {
		for _, r := range cancelErr.CancellationReasons {
			code := aws.ToString(r.Code)

			if code == reasonConditionalCheckFailed ||
				code == reasonTransactionConflict {
				return Errorf(ErrCodeConditionFailed,
					"%s %s: transaction cancelled: %w", op, key, err)
			}
		}
	}

	var code string

	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	d.logger.WarnContext(ctx, "dynamodb request failed",
		internal.LogKeyOperation, string(op),
		internal.LogKeyItemKey, key.String(),
		internal.LogKeyErrorCode, code,
		internal.LogKeyError, err)

	return Errorf(ErrCodeUnavailable, "%s %s: %w", op, key, err)
}

type expression struct {
	Update    string
	Condition *string
	Names     map[string]string
	Values    map[string]dtypes.AttributeValue
}

func updateExpression(u Update) expression {
	names := map[string]string{
		"#time":  AttrTime,
		"#state": AttrState,
	}

	values := map[string]dtypes.AttributeValue{
		":time":  &dtypes.AttributeValueMemberS{Value: u.Time},
		":state": stateAttribute(u.State),
	}

	update := "SET #time = :time, #state = :state"

	switch u.Latest {
	case LatestKeep:
	case LatestIncrement:
		names["#latest"] = AttrLatest
		values[":val0"] = numberAttribute(0)
		values[":val1"] = numberAttribute(1)

		update += ", #latest = if_not_exists(#latest, :val0) + :val1"
	case LatestAssign:
		names["#latest"] = AttrLatest
		values[":higher_version"] = numberAttribute(u.Value)

		update += ", #latest = :higher_version"
	}

	cond, cNames, cValues := conditionExpression(u.Condition)

	for k, v := range cNames {
		names[k] = v
	}

	for k, v := range cValues {
		values[k] = v
	}

	return expression{
		Update:    update,
		Condition: cond,
		Names:     names,
		Values:    values,
	}
}

func conditionExpression(c Condition) (
	*string, map[string]string, map[string]dtypes.AttributeValue,
) {
	switch c.Kind {
	case ConditionLatestAbsentOrEquals:
		return aws.String("attribute_not_exists(#latest) OR #latest = :latest"),
			map[string]string{"#latest": AttrLatest},
			map[string]dtypes.AttributeValue{
				":latest": numberAttribute(c.Latest),
			}
	case ConditionItemAbsent:
		return aws.String("attribute_not_exists(#pk)"),
			map[string]string{"#pk": AttrPartitionKey},
			nil
	case ConditionNone:
	}

	return nil, nil, nil
}

func keyAttributes(k Key) map[string]dtypes.AttributeValue {
	return map[string]dtypes.AttributeValue{
		AttrPartitionKey: &dtypes.AttributeValueMemberS{Value: k.ID},
		AttrSortKey:      &dtypes.AttributeValueMemberS{Value: k.Sort},
	}
}

func numberAttribute(n int64) dtypes.AttributeValue {
	return &dtypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stateAttribute(state []byte) dtypes.AttributeValue {
	return &dtypes.AttributeValueMemberB{Value: state}
}

// ItemAttributes converts an item to its DynamoDB representation.
func ItemAttributes(it Item) map[string]dtypes.AttributeValue {
	attrs := keyAttributes(it.Key)

	attrs[AttrTime] = &dtypes.AttributeValueMemberS{Value: it.Time}
	attrs[AttrState] = stateAttribute(it.State)

	if it.Latest != nil {
		attrs[AttrLatest] = numberAttribute(*it.Latest)
	}

	return attrs
}

// ItemFromAttributes converts a DynamoDB attribute map to an item. String
// states are accepted as well as binary ones, as items written by other
// tools commonly store the state as a string.
func ItemFromAttributes(attrs map[string]dtypes.AttributeValue) (Item, error) {
	var it Item

	pk, ok := attrs[AttrPartitionKey].(*dtypes.AttributeValueMemberS)
	if !ok {
		return Item{}, fmt.Errorf("missing string attribute %q", AttrPartitionKey)
	}

	sk, ok := attrs[AttrSortKey].(*dtypes.AttributeValueMemberS)
	if !ok {
		return Item{}, fmt.Errorf("missing string attribute %q", AttrSortKey)
	}

	it.ID = pk.Value
	it.Sort = sk.Value

	if t, ok := attrs[AttrTime].(*dtypes.AttributeValueMemberS); ok {
		it.Time = t.Value
	}

	switch s := attrs[AttrState].(type) {
	case *dtypes.AttributeValueMemberB:
		it.State = s.Value
	case *dtypes.AttributeValueMemberS:
		it.State = []byte(s.Value)
	}

	if l, ok := attrs[AttrLatest].(*dtypes.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(l.Value, 10, 64)
		if err != nil {
			return Item{}, fmt.Errorf("invalid %q value: %w", AttrLatest, err)
		}

		it.Latest = &n
	}

	return it, nil
}

type TableOptions struct {
	// Stream enables a NEW_IMAGE change stream on the table, required
	// for the replicated strategy.
	Stream bool
}

// TableManager is the subset of the DynamoDB client needed to create tables.
type TableManager interface {
	CreateTable(
		ctx context.Context, params *dynamodb.CreateTableInput,
		optFns ...func(*dynamodb.Options),
	) (*dynamodb.CreateTableOutput, error)
}

// EnsureTable creates the versions table, an already existing table is not
// an error.
func EnsureTable(
	ctx context.Context, client TableManager, name string, opts TableOptions,
) error {
	input := dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []dtypes.AttributeDefinition{
			{
				AttributeName: aws.String(AttrPartitionKey),
				AttributeType: dtypes.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(AttrSortKey),
				AttributeType: dtypes.ScalarAttributeTypeS,
			},
		},
		KeySchema: []dtypes.KeySchemaElement{
			{
				AttributeName: aws.String(AttrPartitionKey),
				KeyType:       dtypes.KeyTypeHash,
			},
			{
				AttributeName: aws.String(AttrSortKey),
				KeyType:       dtypes.KeyTypeRange,
			},
		},
		BillingMode: dtypes.BillingModePayPerRequest,
	}

	if opts.Stream {
		input.StreamSpecification = &dtypes.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: dtypes.StreamViewTypeNewImage,
		}
	}

	_, err := client.CreateTable(ctx, &input)

	var inUse *dtypes.ResourceInUseException

	switch {
	case errors.As(err, &inUse):
		return nil
	case err != nil:
		return fmt.Errorf("create table %q: %w", name, err)
	}

	return nil
}
