package tracking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
)

// Syncer periodically pulls the Production model's metrics from the tracking
// server and records them as snapshots, keeping a local audit trail of what
// is actually deployed even when the server itself is ephemeral.
type Syncer struct {
	client *Client
	store  *registry.Store
	model  string
	cron   *cron.Cron
}

// NewSyncer wires a syncer for the named registered model.
func NewSyncer(client *Client, store *registry.Store, model string) *Syncer {
	return &Syncer{
		client: client,
		store:  store,
		model:  model,
		cron:   cron.New(),
	}
}

// Start schedules SyncOnce on the given cron expression, e.g. "0 3 * * *"
// for a nightly pull.
func (s *Syncer) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.SyncOnce(ctx); err != nil {
			log.Printf("production metrics sync failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("production metrics sync scheduled: %s", schedule)
	return nil
}

// Stop stops the schedule and waits for a running job to finish.
func (s *Syncer) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SyncOnce fetches the current Production version and its run metrics and
// stores a snapshot.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	version, err := s.client.LatestVersion(ctx, s.model, StageProduction)
	if err != nil {
		return err
	}
	if version == nil {
		return fmt.Errorf("no Production version for model %q", s.model)
	}

	metrics, err := s.client.RunMetrics(ctx, version.RunID)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		return fmt.Errorf("run %s has no metrics", version.RunID)
	}

	identifier := fmt.Sprintf("%s/v%s", s.model, version.Version)
	if err := s.store.SaveSnapshot(ctx, identifier, metrics); err != nil {
		return err
	}
	log.Printf("recorded production snapshot %s (run %s)", identifier, version.RunID)
	return nil
}
