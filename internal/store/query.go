package store

import (
	"strconv"
	"strings"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
)

const syncRecordColumns = `id, owner_id, target_table, target_id, operation, payload,
	conflict_policy, status, retry_count, max_retries, error_message, conflict_kind,
	created_at, processed_at, claimed_at`

// queryArgs collects bind parameters and renders the driver's placeholder.
type queryArgs struct {
	args     []any
	numbered bool
	timeArg  func(time.Time) any
}

func (q *queryArgs) add(v any) string {
	if t, ok := v.(time.Time); ok && q.timeArg != nil {
		v = q.timeArg(t)
	}
	q.args = append(q.args, v)
	if q.numbered {
		return "$" + strconv.Itoa(len(q.args))
	}
	return "?"
}

// buildListQuery renders the SELECT for f.
func buildListQuery(f Filter, q *queryArgs) string {
	var where []string
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+q.add(f.OwnerID))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = q.add(string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.TargetTable != "" {
		where = append(where, "target_table = "+q.add(f.TargetTable))
	}
	if f.TargetID != "" {
		where = append(where, "target_id = "+q.add(f.TargetID))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+q.add(f.CreatedBefore))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(syncRecordColumns)
	b.WriteString(" FROM sync_queue")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if f.Newest {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY created_at ASC, id ASC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(q.add(f.Limit))
	}
	return b.String()
}

// overlay copies fields onto a clone of base.
func overlay(base, fields callsync.Payload) callsync.Payload {
	out := base.Clone()
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableKind(k callsync.ConflictKind) any {
	if k == "" {
		return nil
	}
	return string(k)
}
