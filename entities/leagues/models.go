package leagues

import (
	"time"
)

// League is the normalized league row.
type League struct {
	NaturalKey  string    `gorm:"primaryKey;column:natural_key;type:varchar(64)" json:"leagueKey" validate:"required"`
	LeagueID    string    `gorm:"column:league_id" json:"leagueId"`
	Name        string    `gorm:"column:name" json:"name" validate:"required"`
	GameCode    string    `gorm:"column:game_code;index:idx_league_game_season,priority:1" json:"gameCode" validate:"required"`
	Season      int       `gorm:"column:season;index:idx_league_game_season,priority:2" json:"season" validate:"gte=1990,lte=2100"`
	NumTeams    int       `gorm:"column:num_teams" json:"numTeams" validate:"gte=0,lte=32"`
	ScoringType string    `gorm:"column:scoring_type" json:"scoringType" validate:"omitempty,oneof=head headpoint headone point roto"`
	DraftStatus string    `gorm:"column:draft_status" json:"draftStatus" validate:"omitempty,oneof=predraft draft postdraft"`
	IsFinished  bool      `gorm:"column:is_finished" json:"isFinished"`
	StartDate   string    `gorm:"column:start_date" json:"startDate,omitempty"`
	EndDate     string    `gorm:"column:end_date" json:"endDate,omitempty"`
	URL         string    `gorm:"column:url" json:"url,omitempty" validate:"omitempty,url"`
	FetchedAt   time.Time `gorm:"column:fetched_at" json:"fetchedAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName returns the GORM table name.
func (League) TableName() string { return "leagues" }

// SeasonSummary is a derived aggregate over leagues, one row per game code
// and season.
type SeasonSummary struct {
	GameCode      string    `gorm:"primaryKey;column:game_code;type:varchar(16)" json:"gameCode"`
	Season        int       `gorm:"primaryKey;column:season" json:"season"`
	Leagues       int       `gorm:"column:leagues" json:"leagues"`
	FinishedCount int       `gorm:"column:finished_count" json:"finishedCount"`
	TotalTeams    int       `gorm:"column:total_teams" json:"totalTeams"`
	ComputedAt    time.Time `gorm:"column:computed_at" json:"computedAt"`
	ComputedByRun string    `gorm:"column:computed_by_run;type:varchar(36)" json:"computedByRun"`
}

// TableName returns the GORM table name.
func (SeasonSummary) TableName() string { return "league_season_summaries" }
