package shipping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SyncSummary reports one tracking sync run.
type SyncSummary struct {
	Stores      int `json:"stores"`
	StoreErrors int `json:"store_errors"`
	Checked     int `json:"checked"`
	Updated     int `json:"updated"`
	Failed      int `json:"failed"`
}

func (a *SyncSummary) add(b SyncSummary) {
	a.Stores += b.Stores
	a.StoreErrors += b.StoreErrors
	a.Checked += b.Checked
	a.Updated += b.Updated
	a.Failed += b.Failed
}

// SyncTracking refreshes every non-terminal shipment of every store. Stores
// are processed by up to workers goroutines; a failing shipment or store is
// logged and counted without stopping the run.
func (s *Service) SyncTracking(ctx context.Context, workers int) (SyncSummary, error) {
	ids, err := s.store.StoreIDs(ctx)
	if err != nil {
		return SyncSummary{}, err
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		summary SyncSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			res := s.syncStore(gctx, id)
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

func (s *Service) syncStore(ctx context.Context, storeID string) SyncSummary {
	res := SyncSummary{Stores: 1}
	log := s.logger.With(zap.String("store_id", storeID))

	var active []Shipment
	f := ListFilter{Active: true, Limit: MaxListLimit}
	for {
		var page ListPage
		err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
			var err error
			page, err = tx.ListShipments(ctx, f)
			return err
		})
		if err != nil {
			log.Warn("tracking sync: list shipments failed", zap.Error(err))
			res.StoreErrors++
			return res
		}
		active = append(active, page.Items...)
		if page.NextCursor == "" {
			break
		}
		f.Cursor = page.NextCursor
	}

	for _, sh := range active {
		if ctx.Err() != nil {
			return res
		}
		res.Checked++
		after, err := s.TrackShipment(ctx, storeID, sh.ID)
		if err != nil {
			res.Failed++
			syncFailures.Inc()
			log.Warn("tracking sync: refresh failed", zap.String("shipment_id", sh.ID), zap.Error(err))
			continue
		}
		if after.Status != sh.Status {
			res.Updated++
		}
	}
	return res
}

// RunSync calls SyncTracking every interval until ctx is done. Each run is
// bounded by timeout.
func (s *Service) RunSync(ctx context.Context, interval time.Duration, workers int, timeout time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			start := time.Now()
			sum, err := s.SyncTracking(runCtx, workers)
			cancel()
			fields := []zap.Field{
				zap.Int("stores", sum.Stores),
				zap.Int("checked", sum.Checked),
				zap.Int("updated", sum.Updated),
				zap.Int("failed", sum.Failed),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				s.logger.Warn("tracking sync incomplete", append(fields, zap.Error(err))...)
				continue
			}
			s.logger.Info("tracking sync finished", fields...)
		}
	}
}
