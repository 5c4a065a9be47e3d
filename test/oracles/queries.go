package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// every recorded transition starts where the previous one ended
			Name: "O1_state_chain",
			SQL: `WITH sc AS (
                      SELECT subject, seq,
                             (payload->>'previous')::int AS prev_state,
                             LAG((payload->>'state')::int) OVER (PARTITION BY subject ORDER BY seq, idx) AS last_state
                      FROM timeline_events
                      WHERE type = 'deal.state_changed')
                  SELECT * FROM sc WHERE last_state IS NOT NULL AND prev_state <> last_state`,
		},
		{
			Name: "O2_snapshot_matches_timeline",
			SQL: `SELECT d.address, d.state, last.state
                  FROM deals d
                  LEFT JOIN LATERAL (
                      SELECT (e.payload->>'state')::int AS state
                      FROM timeline_events e
                      WHERE e.subject = d.address AND e.type = 'deal.state_changed'
                      ORDER BY e.seq DESC, e.idx DESC
                      LIMIT 1) last ON true
                  WHERE d.destroyed_at IS NULL AND COALESCE(last.state, 0) <> d.state`,
		},
		{
			Name: "O3_lock_held_by_live_deal",
			SQL: `SELECT t.registry, t.token_id, t.approved FROM tokens t
                  WHERE t.locked_for_repo AND t.burned_at IS NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM deals d
                        WHERE d.address = t.approved AND d.destroyed_at IS NULL)`,
		},
		{
			// between the phases the lender holds the token locked to the deal
			Name: "O4_custody_with_lender",
			SQL: `SELECT d.address, d.state, t.owner, t.approved FROM deals d
                  JOIN tokens t ON t.registry = d.registry AND t.token_id = d.token_id
                  WHERE d.destroyed_at IS NULL AND d.state IN (2, 3)
                    AND (t.owner <> d.lender OR NOT t.locked_for_repo OR t.approved <> d.address)`,
		},
		{
			Name: "O5_escrow_balance",
			SQL: `SELECT address, state, balance FROM deals
                  WHERE destroyed_at IS NULL
                    AND ((state = 1 AND balance <> principal)
                      OR (state IN (2, 4) AND balance <> 0)
                      OR (state = 3 AND balance >= repayment))`,
		},
		{
			Name: "O6_stale_outbox",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
