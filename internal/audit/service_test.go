package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTimelineRepo struct {
	rows       []TimelineRow
	err        error
	lastOffset int
	lastLimit  int
	lastFilter TimelineFilters
}

func (s *stubTimelineRepo) Window(_ context.Context, f TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	s.lastFilter, s.lastOffset, s.lastLimit = f, offset, limit
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.rows) {
		return nil, nil
	}
	end := min(offset+limit, len(s.rows))
	return s.rows[offset:end], nil
}

func (s *stubTimelineRepo) All(_ context.Context, f TimelineFilters, limit int) ([]TimelineRow, error) {
	s.lastFilter, s.lastLimit = f, limit
	return s.rows, s.err
}

func row(at, actor, action, entity, id string) TimelineRow {
	ts, _ := time.Parse(time.RFC3339, at)
	return TimelineRow{At: ts, Actor: actor, Action: action, Entity: entity, EntityID: id}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{
		row("2026-03-10T10:00:00Z", "op-1", "order.assign", "order", "o1"),
		row("2026-03-09T09:00:00Z", "op-1", "order.prepare", "order", "o1"),
		row("2026-03-08T08:00:00Z", "op-2", "driver.create", "driver", "d1"),
	}}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 2, result.Paging.NextPage)
	assert.Zero(t, result.Paging.PrevPage)
	assert.Equal(t, 3, repo.lastLimit)
	assert.Equal(t, 0, repo.lastOffset)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)
	assert.False(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Equal(t, 2, repo.lastOffset)
}

func TestServiceTimelineDefaults(t *testing.T) {
	repo := &stubTimelineRepo{}
	result, err := NewService(repo).Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	assert.NotNil(t, result.Rows)
	assert.Equal(t, 1, result.Paging.Page)
	assert.Equal(t, maxPageSize, result.Paging.PageSize)
	assert.Equal(t, maxPageSize+1, repo.lastLimit)

	_, err = NewService(nil).Timeline(context.Background(), TimelineFilters{})
	assert.Error(t, err)

	repo.err = errors.New("db down")
	_, err = NewService(repo).Timeline(context.Background(), TimelineFilters{})
	assert.ErrorIs(t, err, repo.err)
}

func TestServiceExportCSV(t *testing.T) {
	withMeta := row("2026-03-10T10:00:00Z", "op-1", "order.cancel", "order", "o1")
	withMeta.Meta = map[string]any{"reason": "cliente desistiu"}
	repo := &stubTimelineRepo{rows: []TimelineRow{withMeta, row("2026-03-09T09:00:00Z", "", "order.create", "order", "o1")}}

	var buf bytes.Buffer
	require.NoError(t, NewService(repo).Export(context.Background(), TimelineFilters{Entity: "order"}, &buf))
	assert.Equal(t, MaxExportRows, repo.lastLimit)
	assert.Equal(t, "order", repo.lastFilter.Entity)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"at", "actor", "action", "entity", "entity_id", "meta"}, records[0])
	assert.Equal(t, "2026-03-10T10:00:00Z", records[1][0])
	assert.JSONEq(t, `{"reason":"cliente desistiu"}`, records[1][5])
	assert.Empty(t, records[2][5])
}

func TestWhereClause(t *testing.T) {
	clause, args := whereClause(TimelineFilters{})
	assert.Empty(t, clause)
	assert.Empty(t, args)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	clause, args = whereClause(TimelineFilters{From: from, To: to, Entity: "order", EntityID: " o1 "})
	assert.Equal(t, " WHERE occurred_at >= $1 AND occurred_at < $2 AND entity = $3 AND entity_id = $4", clause)
	assert.Equal(t, []any{from, to.Add(24 * time.Hour), "order", "o1"}, args)
}
