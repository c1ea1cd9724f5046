package leagues

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/go-playground/validator.v9"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

func TestRegistered(t *testing.T) {
	p, ok := pipeline.Lookup(EntityType)
	require.True(t, ok)
	assert.Equal(t, EntityType, p.EntityType())
	_, isPost := p.(pipeline.PostProcessor)
	assert.True(t, isPost)
}

func TestFirstPage(t *testing.T) {
	p := New("nfl", 25)

	req := p.FirstPage(pipeline.SeasonPartition(EntityType, 1, 2021))
	assert.Equal(t, "/users;use_login=1/games;game_codes=nfl;seasons=2021/leagues;start=0;count=25", req.Endpoint)

	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	req = p.FirstPage(pipeline.DatePartition(EntityType, 1, day, day.AddDate(0, 0, 1)))
	assert.Contains(t, req.Endpoint, "seasons=2024/")

	req = p.FirstPage(pipeline.Partition{Kind: pipeline.SliceEntity, EntityKey: "423.l.1234"})
	assert.Equal(t, "/league/423.l.1234", req.Endpoint)
}

func TestNextPage(t *testing.T) {
	p := New("nfl", 2)
	part := pipeline.SeasonPartition(EntityType, 1, 2021)

	first := p.FirstPage(part)
	next, more := p.NextPage(part, first, 2)
	require.True(t, more)
	assert.Equal(t, 2, pageStart(next.Endpoint))

	next, more = p.NextPage(part, next, 2)
	require.True(t, more)
	assert.Equal(t, 4, pageStart(next.Endpoint))

	_, more = p.NextPage(part, next, 1)
	assert.False(t, more, "short page ends the partition")

	entity := pipeline.Partition{Kind: pipeline.SliceEntity, EntityKey: "k"}
	_, more = p.NextPage(entity, p.FirstPage(entity), 1)
	assert.False(t, more)
}

func TestPageStart(t *testing.T) {
	assert.Equal(t, 0, pageStart("/league/1"))
	assert.Equal(t, 50, pageStart("/games;seasons=2020/leagues;start=50;count=25"))
	assert.Equal(t, 75, pageStart("/leagues;start=75"))
}

// userLeagues renders a users;use_login=1/games/leagues response with one
// game per group of leagues.
func userLeagues(games ...[]string) string {
	var gb strings.Builder
	for gi, leagues := range games {
		var lb strings.Builder
		for li, l := range leagues {
			fmt.Fprintf(&lb, `"%d":{"league":[%s]},`, li, l)
		}
		fmt.Fprintf(&gb, `"%d":{"game":[{"game_key":"406","code":"nfl"},{"leagues":{%s"count":%d}}]},`,
			gi, lb.String(), len(leagues))
	}
	return fmt.Sprintf(`{"fantasy_content":{"xml:lang":"en-US","users":{"0":{"user":[{"guid":"ABC123"},{"games":{%s"count":%d}}]},"count":1},"time":"41ms"}}`,
		gb.String(), len(games))
}

func TestSplit(t *testing.T) {
	p := New("nfl", 25)
	fetched := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	part := pipeline.SeasonPartition(EntityType, 1, 2021)

	t.Run("collection", func(t *testing.T) {
		items, err := p.Split(part, &upstream.Response{FetchedAt: fetched, Body: []byte(userLeagues(
			[]string{`{"league_key":"406.l.1","name":"A"}`, `{"league_key":"406.l.2","name":"B"}`},
		))})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "406.l.1", items[0].NaturalKey)
		assert.JSONEq(t, `{"league_key":"406.l.2","name":"B"}`, string(items[1].Payload))
		assert.Equal(t, SchemaVersion, items[1].SchemaVersion)
		assert.Equal(t, fetched, items[1].FetchedAt)
	})

	t.Run("index order across games", func(t *testing.T) {
		leagues := make([]string, 11)
		for i := range leagues {
			leagues[i] = fmt.Sprintf(`{"league_key":"406.l.%d"}`, i)
		}
		items, err := p.Split(part, &upstream.Response{Body: []byte(userLeagues(
			leagues, []string{`{"league_key":"406.l.99"}`},
		))})
		require.NoError(t, err)
		require.Len(t, items, 12)
		assert.Equal(t, "406.l.2", items[2].NaturalKey)
		assert.Equal(t, "406.l.10", items[10].NaturalKey, "10 sorts after 9")
		assert.Equal(t, "406.l.99", items[11].NaturalKey)
	})

	t.Run("single league", func(t *testing.T) {
		items, err := p.Split(part, &upstream.Response{Body: []byte(
			`{"fantasy_content":{"league":[{"league_key":"406.l.9","name":"Solo"},{"settings":[]}]}}`)})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "406.l.9", items[0].NaturalKey)
	})

	t.Run("empty page", func(t *testing.T) {
		for _, body := range []string{
			userLeagues([]string{}),
			userLeagues(),
			`{"fantasy_content":{"users":{"0":{"user":[{"guid":"ABC123"},{"games":[]}]},"count":1}}}`,
		} {
			items, err := p.Split(part, &upstream.Response{Body: []byte(body)})
			require.NoError(t, err, body)
			assert.Empty(t, items)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, body := range []string{
			`<html>`,
			`{"fantasy_content":{}}`,
			`{"fantasy_content":{"leagues":[{"league_key":"406.l.1"}]}}`,
			userLeagues([]string{`{"name":"no key"}`}),
			userLeagues([]string{`42`}),
			`{"fantasy_content":{"league":{"league_key":"406.l.9"}}}`,
		} {
			_, err := p.Split(part, &upstream.Response{Body: []byte(body)})
			assert.True(t, errors.Is(err, pipeline.ErrMalformedPayload), body)
		}
	})
}

func TestTransform(t *testing.T) {
	p := New("nfl", 25)
	fetched := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows, err := p.Transform(pipeline.RawRecord{
		EntityType: EntityType,
		NaturalKey: "406.l.1",
		FetchedAt:  fetched,
		Payload: []byte(`{"league_key":"406.l.1","league_id":"1","name":"Golden Knights",
			"season":"2021","num_teams":12,"scoring_type":"head","draft_status":"postdraft",
			"is_finished":1,"url":"https://football.fantasysports.yahoo.com/f1/1"}`),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	l := rows[0].(*League)
	assert.Equal(t, "406.l.1", l.NaturalKey)
	assert.Equal(t, "nfl", l.GameCode)
	assert.Equal(t, 2021, l.Season)
	assert.Equal(t, 12, l.NumTeams)
	assert.True(t, l.IsFinished)
	assert.Equal(t, fetched, l.FetchedAt)

	_, err = p.Transform(pipeline.RawRecord{NaturalKey: "x", Payload: []byte(`{"season":"twenty"}`)})
	assert.True(t, errors.Is(err, pipeline.ErrMalformedPayload))
}

func TestLeagueValidation(t *testing.T) {
	v := validator.New()

	valid := League{NaturalKey: "406.l.1", Name: "A", GameCode: "nfl", Season: 2021, NumTeams: 10, ScoringType: "head"}
	assert.NoError(t, v.Struct(valid))

	missingSeason := valid
	missingSeason.Season = 0
	assert.Error(t, v.Struct(missingSeason))

	badScoring := valid
	badScoring.ScoringType = "golf"
	assert.Error(t, v.Struct(badScoring))
}
