package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DocumentFromRow reads a replicated documents row back into a Document.
// Rows decoded from JSON carry numbers as float64 and times as strings.
func DocumentFromRow(row Row) (Document, error) {
	doc := Document{
		ID:       rowString(row, "id"),
		TenantID: rowString(row, "tenantId"),
		Title:    rowString(row, "title"),
	}
	if doc.ID == "" || doc.TenantID == "" {
		return Document{}, fmt.Errorf("documents row missing id or tenantId")
	}
	if parent := rowString(row, "parentId"); parent != "" {
		doc.ParentID = &parent
	}
	order, err := rowInt(row, "sortOrder")
	if err != nil {
		return Document{}, err
	}
	doc.SortOrder = order
	if doc.CreatedAt, err = rowTime(row, "createdAt"); err != nil {
		return Document{}, err
	}
	if doc.UpdatedAt, err = rowTime(row, "updatedAt"); err != nil {
		return Document{}, err
	}
	deleted, err := rowTime(row, "deletedAt")
	if err != nil {
		return Document{}, err
	}
	if !deleted.IsZero() {
		doc.DeletedAt = &deleted
	}
	return doc, nil
}

// MemberFromRow reads a replicated members row.
func MemberFromRow(row Row) (Member, error) {
	m := Member{
		Membership: Membership{
			TenantID: rowString(row, "tenantId"),
			UserID:   rowString(row, "userId"),
			Role:     rowString(row, "role"),
			Seat:     rowString(row, "seat"),
		},
		DisplayName: rowString(row, "displayName"),
		Email:       rowString(row, "email"),
	}
	if m.TenantID == "" || m.UserID == "" {
		return Member{}, fmt.Errorf("members row missing tenantId or userId")
	}
	return m, nil
}

func rowString(row Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowInt(row Row, key string) (int, error) {
	switch v := row[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func rowTime(row Row, key string) (time.Time, error) {
	switch v := row[key].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", key, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%s: unexpected %T", key, v)
	}
}
