package leagues

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PostProcess rebuilds league_season_summaries from the full leagues table
// in one transaction, so concurrent partitions converge on the same result.
func (p *Pipeline) PostProcess(ctx context.Context, db *gorm.DB, runID, _ string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []SeasonSummary
		err := tx.Model(&League{}).
			Select("game_code, season, COUNT(*) AS leagues, " +
				"SUM(CASE WHEN is_finished THEN 1 ELSE 0 END) AS finished_count, " +
				"COALESCE(SUM(num_teams), 0) AS total_teams").
			Group("game_code, season").
			Order("game_code, season").
			Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("aggregate leagues: %w", err)
		}

		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&SeasonSummary{}).Error; err != nil {
			return fmt.Errorf("clear league_season_summaries: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		now := time.Now().UTC()
		for i := range rows {
			rows[i].ComputedAt = now
			rows[i].ComputedByRun = runID
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("write league_season_summaries: %w", err)
		}
		return nil
	})
}
