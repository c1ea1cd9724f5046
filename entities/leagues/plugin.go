// Package leagues ingests Yahoo Fantasy league metadata. Importing it
// registers the "leagues" pipeline.
package leagues

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
	"github.com/goldenknightlounge/fantasy-ingest/pkg/upstream"
)

const (
	// EntityType is the identifier used in job parameters.
	EntityType = "leagues"

	// SchemaVersion tags every raw league payload.
	SchemaVersion = "v2"

	// DefaultPageSize is the Yahoo collection page size.
	DefaultPageSize = 25

	// DefaultGameCode selects the fantasy sport.
	DefaultGameCode = "nfl"
)

func init() {
	pipeline.Register(New(DefaultGameCode, DefaultPageSize))
}

// Pipeline implements pipeline.EntityPipeline for leagues.
type Pipeline struct {
	gameCode string
	pageSize int
}

// New creates a league pipeline for one game code.
func New(gameCode string, pageSize int) *Pipeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pipeline{gameCode: gameCode, pageSize: pageSize}
}

// EntityType returns "leagues".
func (p *Pipeline) EntityType() string { return EntityType }

// FirstPage requests the first page of leagues for the partition. Entity
// partitions fetch a single league; every other kind fetches the user's
// leagues for the partition's season.
func (p *Pipeline) FirstPage(part pipeline.Partition) upstream.Request {
	if part.Kind == pipeline.SliceEntity {
		return upstream.Request{Endpoint: "/league/" + url.PathEscape(part.EntityKey)}
	}
	return p.page(part, 0)
}

// NextPage advances start by the page size while a full page came back.
func (p *Pipeline) NextPage(part pipeline.Partition, prev upstream.Request, items int) (upstream.Request, bool) {
	if part.Kind == pipeline.SliceEntity || items < p.pageSize {
		return upstream.Request{}, false
	}
	return p.page(part, pageStart(prev.Endpoint)+p.pageSize), true
}

func (p *Pipeline) page(part pipeline.Partition, start int) upstream.Request {
	return upstream.Request{
		Endpoint: fmt.Sprintf("/users;use_login=1/games;game_codes=%s;seasons=%d/leagues;start=%d;count=%d",
			p.gameCode, seasonOf(part), start, p.pageSize),
	}
}

// seasonOf maps a partition to the fantasy season it belongs to.
func seasonOf(part pipeline.Partition) int {
	if part.Kind == pipeline.SliceSeason {
		return part.Season
	}
	return part.From.Year()
}

// pageStart reads the ;start= matrix parameter of a collection endpoint.
func pageStart(endpoint string) int {
	i := strings.LastIndex(endpoint, ";start=")
	if i < 0 {
		return 0
	}
	rest := endpoint[i+len(";start="):]
	if j := strings.IndexAny(rest, ";/?"); j >= 0 {
		rest = rest[:j]
	}
	n, _ := strconv.Atoi(rest)
	return n
}

// Split cuts a page into one raw item per league, keyed by league_key. The
// stored payload is the league's metadata object.
func (p *Pipeline) Split(_ pipeline.Partition, resp *upstream.Response) ([]pipeline.RawItem, error) {
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrMalformedPayload, err)
	}
	raws, err := env.leagues()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrMalformedPayload, err)
	}

	items := make([]pipeline.RawItem, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			LeagueKey string `json:"league_key"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrMalformedPayload, err)
		}
		if head.LeagueKey == "" {
			return nil, fmt.Errorf("%w: league without league_key", pipeline.ErrMalformedPayload)
		}
		items = append(items, pipeline.RawItem{
			NaturalKey:    head.LeagueKey,
			Payload:       raw,
			FetchedAt:     resp.FetchedAt,
			SchemaVersion: SchemaVersion,
		})
	}
	return items, nil
}

// leaguePayload is the subset of a Yahoo league resource that is kept.
type leaguePayload struct {
	LeagueKey   string      `json:"league_key"`
	LeagueID    string      `json:"league_id"`
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Season      json.Number `json:"season"`
	NumTeams    json.Number `json:"num_teams"`
	ScoringType string      `json:"scoring_type"`
	DraftStatus string      `json:"draft_status"`
	IsFinished  json.Number `json:"is_finished"`
	StartDate   string      `json:"start_date"`
	EndDate     string      `json:"end_date"`
	GameCode    string      `json:"game_code"`
}

// Transform maps one raw league version onto a League row.
func (p *Pipeline) Transform(raw pipeline.RawRecord) ([]pipeline.Row, error) {
	var lp leaguePayload
	if err := json.Unmarshal(raw.Payload, &lp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedPayload, raw.NaturalKey, err)
	}

	season, err := optionalInt(lp.Season)
	if err != nil {
		return nil, fmt.Errorf("%w: %s season: %v", pipeline.ErrMalformedPayload, raw.NaturalKey, err)
	}
	teams, err := optionalInt(lp.NumTeams)
	if err != nil {
		return nil, fmt.Errorf("%w: %s num_teams: %v", pipeline.ErrMalformedPayload, raw.NaturalKey, err)
	}
	finished, err := optionalInt(lp.IsFinished)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is_finished: %v", pipeline.ErrMalformedPayload, raw.NaturalKey, err)
	}

	gameCode := lp.GameCode
	if gameCode == "" {
		gameCode = p.gameCode
	}

	return []pipeline.Row{&League{
		NaturalKey:  lp.LeagueKey,
		LeagueID:    lp.LeagueID,
		Name:        lp.Name,
		GameCode:    gameCode,
		Season:      season,
		NumTeams:    teams,
		ScoringType: lp.ScoringType,
		DraftStatus: lp.DraftStatus,
		IsFinished:  finished == 1,
		StartDate:   lp.StartDate,
		EndDate:     lp.EndDate,
		URL:         lp.URL,
		FetchedAt:   raw.FetchedAt,
	}}, nil
}

func optionalInt(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Models returns the normalized and derived tables.
func (p *Pipeline) Models() []any {
	return []any{&League{}, &SeasonSummary{}}
}
