package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// a table row as delivered by the endpoint
type Row = map[string]any

type RowEventType string

const (
	RowEventInsert RowEventType = "insert"
	RowEventUpdate RowEventType = "update"
	RowEventDelete RowEventType = "delete"
)

// `New` is set for insert and update, `Old` for update and delete when the table replicates it
type RowChange struct {
	EventType       RowEventType
	Schema          string
	Table           string
	New             Row
	Old             Row
	CommitTimestamp string
}

// payload of `postgres_changes`
type postgresChangesPayload struct {
	Data struct {
		Type            string `json:"type"`
		Schema          string `json:"schema"`
		Table           string `json:"table"`
		Record          Row    `json:"record"`
		OldRecord       Row    `json:"old_record"`
		CommitTimestamp string `json:"commit_timestamp"`
	} `json:"data"`
}

// false if the event is not a row change
func DecodeRowChange(event *ChannelEvent) (*RowChange, bool, error) {
	if event.Event != EventPostgresChanges {
		return nil, false, nil
	}
	payload := &postgresChangesPayload{}
	if err := jsonUnmarshalPayload(event.Payload, payload); err != nil {
		return nil, true, err
	}

	var eventType RowEventType
	switch strings.ToUpper(payload.Data.Type) {
	case "INSERT":
		eventType = RowEventInsert
	case "UPDATE":
		eventType = RowEventUpdate
	case "DELETE":
		eventType = RowEventDelete
	default:
		return nil, true, fmt.Errorf("Unknown row change type \"%s\".", payload.Data.Type)
	}

	return &RowChange{
		EventType:       eventType,
		Schema:          payload.Data.Schema,
		Table:           payload.Data.Table,
		New:             payload.Data.Record,
		Old:             payload.Data.OldRecord,
		CommitTimestamp: payload.Data.CommitTimestamp,
	}, true, nil
}

// the string form of `row[field]`
// json numbers are decoded as float64, so integral ids are printed without a fraction
func RowId(row Row, field string) (string, bool) {
	value, ok := row[field]
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func CloneRow(row Row) Row {
	if row == nil {
		return nil
	}
	clone := make(Row, len(row))
	for key, value := range row {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CloneRow(v)
	case []any:
		clone := make([]any, len(v))
		for i, e := range v {
			clone[i] = cloneValue(e)
		}
		return clone
	default:
		return v
	}
}
