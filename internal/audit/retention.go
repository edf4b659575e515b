package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"prism-backend/internal/store"
)

// PurgeOldEvents deletes events older than retentionDays.
func PurgeOldEvents(ctx context.Context, s *store.Store, retentionDays int) {
	pb := s.Dialect.NewParamBuilder()
	where := s.Dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	res, err := s.DB.ExecContext(ctx, "DELETE FROM _events WHERE "+where, pb.Params()...)
	if err != nil {
		log.Printf("ERROR: event cleanup: %v", err)
		return
	}
	affected, err := res.RowsAffected()
	if err != nil {
		log.Printf("ERROR: event cleanup rows affected: %v", err)
		return
	}
	if affected > 0 {
		log.Printf("Event cleanup: deleted %d old events", affected)
	}
}

// StartRetention purges old events once at startup and then daily, until
// ctx is canceled.
func StartRetention(ctx context.Context, s *store.Store, retentionDays int) {
	go func() {
		PurgeOldEvents(ctx, s, retentionDays)
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				PurgeOldEvents(ctx, s, retentionDays)
			}
		}
	}()
}
