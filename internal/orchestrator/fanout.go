package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// fetchOutcome is one slot of a fan-out: either an item or a failure.
type fetchOutcome struct {
	item    Item
	failure *ItemFailure
}

// fanOutFetch fetches the page behind every search hit with bounded
// concurrency. Outcomes land in the slot of their originating hit, so
// the final order always matches search order regardless of completion
// order. Individual failures never abort the batch.
func (o *Orchestrator) fanOutFetch(ctx context.Context, hits []searchHit, workers int) []fetchOutcome {
	if workers < 1 {
		workers = 1
	}

	outcomes := make([]fetchOutcome, len(hits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, hit := range hits {
		g.Go(func() error {
			item, err := o.fetchPage(gctx, hit.ID, hit.Title)
			if err != nil {
				outcomes[i] = fetchOutcome{failure: &ItemFailure{
					Title:  hit.Title,
					ID:     hit.ID,
					Reason: err.Error(),
				}}
				return nil
			}
			// carry search metadata the page payload may lack
			if item.Excerpt == "" {
				item.Excerpt = hit.Excerpt
			}
			if item.URL == "" {
				item.URL = hit.URL
			}
			if item.SpaceKey == "" {
				item.SpaceKey = hit.Space.Key
				item.SpaceName = hit.Space.Name
			}
			outcomes[i] = fetchOutcome{item: item}
			return nil
		})
	}
	_ = g.Wait() // workers only report via their slot

	return outcomes
}
