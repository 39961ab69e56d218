package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/shopspring/decimal"
)

// Row payloads coming off the change feed are not guaranteed to use one naming scheme
// (legacy rows and clients wrote both snake_case and camelCase). Everything past this file
// works on the canonical models only.

type rawRow map[string]any

func parseRow(raw json.RawMessage) (rawRow, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r rawRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return r, nil
}

func (r rawRow) str(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return decimal.NewFromFloat(t).String()
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

func (r rawRow) amount(keys ...string) decimal.Decimal {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return decimal.NewFromFloat(t)
		case string:
			if d, err := decimal.NewFromString(t); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}

func (r rawRow) ts(keys ...string) time.Time {
	s := r.str(keys...)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999-07:00", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (r rawRow) tsPtr(keys ...string) *time.Time {
	t := r.ts(keys...)
	if t.IsZero() {
		return nil
	}
	return &t
}

// NormalizeStatus maps loose status spellings onto the canonical lowercase values.
func NormalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func DecodeTable(raw json.RawMessage) (*models.Table, error) {
	r, err := parseRow(raw)
	if err != nil || r == nil {
		return nil, err
	}
	return &models.Table{
		ID:            r.str("id"),
		Name:          r.str("name"),
		JoinCode:      r.str("join_code", "joinCode", "code"),
		Status:        NormalizeStatus(r.str("status")),
		AdminPlayerID: r.str("admin_player_id", "adminPlayerId", "admin_id", "adminId"),
		CreatedAt:     r.ts("created_at", "createdAt"),
		UpdatedAt:     r.ts("updated_at", "updatedAt"),
	}, nil
}

func DecodeMembership(raw json.RawMessage) (*models.Membership, error) {
	r, err := parseRow(raw)
	if err != nil || r == nil {
		return nil, err
	}
	return &models.Membership{
		ID:        r.str("id"),
		TableID:   r.str("table_id", "tableId"),
		PlayerID:  r.str("player_id", "playerId"),
		Status:    NormalizeStatus(r.str("status")),
		CreatedAt: r.ts("created_at", "createdAt"),
		UpdatedAt: r.ts("updated_at", "updatedAt"),
	}, nil
}

func DecodeJoinRequest(raw json.RawMessage) (*models.JoinRequest, error) {
	r, err := parseRow(raw)
	if err != nil || r == nil {
		return nil, err
	}
	status := NormalizeStatus(r.str("status"))
	if status == "" {
		status = models.RequestPending
	}
	return &models.JoinRequest{
		ID:         r.str("id"),
		TableID:    r.str("table_id", "tableId"),
		PlayerID:   r.str("player_id", "playerId"),
		Status:     status,
		CreatedAt:  r.ts("created_at", "createdAt"),
		ResolvedAt: r.tsPtr("resolved_at", "resolvedAt"),
	}, nil
}

func DecodeBuyInRequest(raw json.RawMessage) (*models.BuyInRequest, error) {
	r, err := parseRow(raw)
	if err != nil || r == nil {
		return nil, err
	}
	status := NormalizeStatus(r.str("status"))
	if status == "" {
		status = models.RequestPending
	}
	return &models.BuyInRequest{
		ID:         r.str("id"),
		TableID:    r.str("table_id", "tableId"),
		PlayerID:   r.str("player_id", "playerId"),
		Amount:     r.amount("amount"),
		Status:     status,
		CreatedAt:  r.ts("created_at", "createdAt"),
		ResolvedAt: r.tsPtr("resolved_at", "resolvedAt"),
	}, nil
}

// EncodeRow renders a canonical model the way the change feed carries rows.
func EncodeRow(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// FilterValues extracts the filterable column values of a change, preferring the new record
// and falling back to the old one for deletes.
func FilterValues(c models.RowChange) map[string]string {
	out := map[string]string{}
	for _, raw := range []json.RawMessage{c.Record, c.Old} {
		r, err := parseRow(raw)
		if err != nil || r == nil {
			continue
		}
		for _, col := range FilterColumns(c.Collection) {
			if _, ok := out[col]; ok {
				continue
			}
			if v := r.str(col, camel(col)); v != "" {
				out[col] = v
			}
		}
	}
	return out
}

func camel(col string) string {
	parts := strings.Split(col, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
