package service

import (
	"errors"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/common"
	"lws.localdev.org/dispatch"
	"lws.localdev.org/expr"
	"lws.localdev.org/kv"
	"lws.localdev.org/wire"
)

// NewKVProvider serves the KV table protocol (JSON-targeted dialect).
func NewKVProvider(deps *Deps, engine *kv.Engine) *httpProvider {
	h := &kvHandlers{engine: engine}
	table := &dispatch.Table{
		Service:      "kv",
		ActionPrefix: "dynamodb",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateTable":    h.createTable,
			"DeleteTable":    h.deleteTable,
			"DescribeTable":  h.describeTable,
			"ListTables":     h.listTables,
			"UpdateTable":    h.updateTable,
			"PutItem":        h.putItem,
			"GetItem":        h.getItem,
			"DeleteItem":     h.deleteItem,
			"UpdateItem":     h.updateItem,
			"Query":          h.query,
			"Scan":           h.scan,
			"BatchWriteItem": h.batchWrite,
			"BatchGetItem":   h.batchGet,
		},
		Resource: func(c *dispatch.Call) string {
			if name := c.String("TableName"); name != "" {
				return common.TableARN(name)
			}
			return ""
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateKVError,
	}
	return newHTTPProvider("kv", deps.port(OffsetKV), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateKVError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, kv.ErrTableNotFound):
		return dispatch.NewError("ResourceNotFoundException", err.Error(), 400)
	case errors.Is(err, kv.ErrTableExists):
		return dispatch.NewError("ResourceInUseException", err.Error(), 400)
	case errors.Is(err, kv.ErrIndexNotFound):
		return dispatch.NewError("ResourceNotFoundException", err.Error(), 400)
	case errors.Is(err, kv.ErrConditionFailed):
		return dispatch.NewError("ConditionalCheckFailedException", err.Error(), 400)
	case errors.Is(err, kv.ErrBatchTooLarge), errors.Is(err, kv.ErrValidation):
		return dispatch.NewError("ValidationException", err.Error(), 400)
	}
	return nil
}

type kvHandlers struct {
	engine *kv.Engine
}

func bindingsFrom(c *dispatch.Call) (expr.Bindings, error) {
	var req struct {
		Names  map[string]string     `json:"ExpressionAttributeNames"`
		Values map[string]wire.Value `json:"ExpressionAttributeValues"`
	}
	if err := c.Bind(&req); err != nil {
		return expr.Bindings{}, err
	}
	return expr.Bindings{Names: req.Names, Values: req.Values}, nil
}

func (h *kvHandlers) createTable(c *dispatch.Call) (any, error) {
	var req struct {
		TableName    string         `json:"TableName"`
		PartitionKey kv.KeyAttr     `json:"PartitionKey"`
		SortKey      *kv.KeyAttr    `json:"SortKey"`
		Indexes      []kv.IndexDef  `json:"Indexes"`
		Stream       *kv.StreamSpec `json:"Stream"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	def := kv.TableDef{
		Name:         req.TableName,
		PartitionKey: req.PartitionKey,
		SortKey:      req.SortKey,
		Indexes:      req.Indexes,
		Stream:       req.Stream,
	}
	if err := h.engine.CreateTable(def); err != nil {
		return nil, err
	}
	created, err := h.engine.DescribeTable(req.TableName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"TableDescription": describeTable(created)}, nil
}

func describeTable(def kv.TableDef) map[string]any {
	return map[string]any{
		"TableName":    def.Name,
		"TableArn":     common.TableARN(def.Name),
		"PartitionKey": def.PartitionKey,
		"SortKey":      def.SortKey,
		"Indexes":      def.Indexes,
		"Stream":       def.Stream,
		"CreatedAt":    def.CreatedAt,
		"TableStatus":  "ACTIVE",
	}
}

func (h *kvHandlers) deleteTable(c *dispatch.Call) (any, error) {
	name := c.String("TableName")
	if err := h.engine.DeleteTable(name); err != nil {
		return nil, err
	}
	return map[string]any{"TableDescription": map[string]any{"TableName": name, "TableStatus": "DELETING"}}, nil
}

func (h *kvHandlers) describeTable(c *dispatch.Call) (any, error) {
	def, err := h.engine.DescribeTable(c.String("TableName"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"Table": describeTable(def)}, nil
}

func (h *kvHandlers) listTables(c *dispatch.Call) (any, error) {
	names, err := h.engine.ListTables()
	if err != nil {
		return nil, err
	}
	return map[string]any{"TableNames": names}, nil
}

func (h *kvHandlers) updateTable(c *dispatch.Call) (any, error) {
	var req struct {
		TableName string         `json:"TableName"`
		Stream    *kv.StreamSpec `json:"Stream"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if err := h.engine.SetStreamSpec(req.TableName, req.Stream); err != nil {
		return nil, err
	}
	def, err := h.engine.DescribeTable(req.TableName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"TableDescription": describeTable(def)}, nil
}

func (h *kvHandlers) putItem(c *dispatch.Call) (any, error) {
	var req struct {
		TableName           string    `json:"TableName"`
		Item                wire.Item `json:"Item"`
		ConditionExpression string    `json:"ConditionExpression"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	b, err := bindingsFrom(c)
	if err != nil {
		return nil, err
	}
	old, err := h.engine.PutItem(req.TableName, req.Item, req.ConditionExpression, b)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if old != nil {
		out["Attributes"] = old
	}
	return out, nil
}

func (h *kvHandlers) getItem(c *dispatch.Call) (any, error) {
	var req struct {
		TableName      string    `json:"TableName"`
		Key            wire.Item `json:"Key"`
		ConsistentRead bool      `json:"ConsistentRead"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	item, err := h.engine.GetItem(req.TableName, req.Key, req.ConsistentRead)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if item != nil {
		out["Item"] = item
	}
	return out, nil
}

func (h *kvHandlers) deleteItem(c *dispatch.Call) (any, error) {
	var req struct {
		TableName           string    `json:"TableName"`
		Key                 wire.Item `json:"Key"`
		ConditionExpression string    `json:"ConditionExpression"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	b, err := bindingsFrom(c)
	if err != nil {
		return nil, err
	}
	old, err := h.engine.DeleteItem(req.TableName, req.Key, req.ConditionExpression, b)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if old != nil {
		out["Attributes"] = old
	}
	return out, nil
}

func (h *kvHandlers) updateItem(c *dispatch.Call) (any, error) {
	var req struct {
		TableName           string    `json:"TableName"`
		Key                 wire.Item `json:"Key"`
		UpdateExpression    string    `json:"UpdateExpression"`
		ConditionExpression string    `json:"ConditionExpression"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	b, err := bindingsFrom(c)
	if err != nil {
		return nil, err
	}
	item, err := h.engine.UpdateItem(req.TableName, req.Key, req.UpdateExpression, req.ConditionExpression, b)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Attributes": item}, nil
}

func (h *kvHandlers) query(c *dispatch.Call) (any, error) {
	var req struct {
		TableName              string `json:"TableName"`
		IndexName              string `json:"IndexName"`
		KeyConditionExpression string `json:"KeyConditionExpression"`
		FilterExpression       string `json:"FilterExpression"`
		Limit                  int    `json:"Limit"`
		ExclusiveStartKey      string `json:"ExclusiveStartKey"`
		ScanIndexForward       *bool  `json:"ScanIndexForward"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	b, err := bindingsFrom(c)
	if err != nil {
		return nil, err
	}
	out, err := h.engine.Query(kv.QueryInput{
		Table:        req.TableName,
		Index:        req.IndexName,
		KeyCondition: req.KeyConditionExpression,
		Filter:       req.FilterExpression,
		Bindings:     b,
		Limit:        req.Limit,
		StartCursor:  req.ExclusiveStartKey,
		Backward:     req.ScanIndexForward != nil && !*req.ScanIndexForward,
	})
	if err != nil {
		return nil, err
	}
	return queryResult(out), nil
}

func (h *kvHandlers) scan(c *dispatch.Call) (any, error) {
	var req struct {
		TableName         string `json:"TableName"`
		IndexName         string `json:"IndexName"`
		FilterExpression  string `json:"FilterExpression"`
		Limit             int    `json:"Limit"`
		ExclusiveStartKey string `json:"ExclusiveStartKey"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	b, err := bindingsFrom(c)
	if err != nil {
		return nil, err
	}
	out, err := h.engine.Scan(kv.ScanInput{
		Table:       req.TableName,
		Index:       req.IndexName,
		Filter:      req.FilterExpression,
		Bindings:    b,
		Limit:       req.Limit,
		StartCursor: req.ExclusiveStartKey,
	})
	if err != nil {
		return nil, err
	}
	return queryResult(out), nil
}

func queryResult(out kv.QueryOutput) map[string]any {
	res := map[string]any{
		"Items":        out.Items,
		"Count":        out.Count,
		"ScannedCount": out.ScannedCount,
	}
	if out.Items == nil {
		res["Items"] = []wire.Item{}
	}
	if out.NextCursor != "" {
		res["LastEvaluatedKey"] = out.NextCursor
	}
	return res
}

func (h *kvHandlers) batchWrite(c *dispatch.Call) (any, error) {
	var req struct {
		RequestItems map[string][]struct {
			PutRequest *struct {
				Item wire.Item `json:"Item"`
			} `json:"PutRequest"`
			DeleteRequest *struct {
				Key wire.Item `json:"Key"`
			} `json:"DeleteRequest"`
		} `json:"RequestItems"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	writes := make(map[string][]kv.BatchWrite, len(req.RequestItems))
	for tbl, entries := range req.RequestItems {
		for _, entry := range entries {
			w := kv.BatchWrite{}
			if entry.PutRequest != nil {
				w.Put = entry.PutRequest.Item
			}
			if entry.DeleteRequest != nil {
				w.Delete = entry.DeleteRequest.Key
			}
			writes[tbl] = append(writes[tbl], w)
		}
	}
	if err := h.engine.BatchWriteItem(writes); err != nil {
		return nil, err
	}
	return map[string]any{"UnprocessedItems": map[string]any{}}, nil
}

func (h *kvHandlers) batchGet(c *dispatch.Call) (any, error) {
	var req struct {
		RequestItems map[string]struct {
			Keys           []wire.Item `json:"Keys"`
			ConsistentRead bool        `json:"ConsistentRead"`
		} `json:"RequestItems"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	keys := make(map[string][]wire.Item, len(req.RequestItems))
	strong := false
	for tbl, spec := range req.RequestItems {
		keys[tbl] = spec.Keys
		if spec.ConsistentRead {
			strong = true
		}
	}
	items, err := h.engine.BatchGetItem(keys, strong)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Responses": items, "UnprocessedKeys": map[string]any{}}, nil
}
