package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyform/skyform/pkg/config"
	"github.com/skyform/skyform/pkg/engine"
	"github.com/skyform/skyform/pkg/fleet"
)

func newReconcileCommand() *cobra.Command {
	var (
		watch bool
		once  bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Continuously reconcile the fleet against its target group",
		Long: `Reconcile applies the desired state, then keeps the members of the
declared autoscaling group registered and healthy in the declared target
group: new members are registered, members failing their unhealthy
threshold are drained and terminated, and the group launches replacements.
With --watch the desired-state document is re-applied whenever it changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if !watch {
				err := reconcileSession(cmd.Context(), rt, once)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			reload := make(chan struct{}, 1)
			go func() {
				_ = config.Watch(cmd.Context(), documentPath, rt.log, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			}()

			for {
				sessionCtx, cancel := context.WithCancel(cmd.Context())
				done := make(chan error, 1)
				go func() { done <- reconcileSession(sessionCtx, rt, false) }()

				select {
				case <-cmd.Context().Done():
					cancel()
					<-done
					return nil

				case <-reload:
					rt.log.Info("desired state changed, restarting reconciliation")
					cancel()
					<-done

				case err := <-done:
					cancel()
					if cmd.Context().Err() != nil {
						return nil
					}
					if err != nil && !errors.Is(err, context.Canceled) {
						rt.log.WithError(err).Error("reconciliation failed, waiting for document change")
					}
					select {
					case <-reload:
						rt.log.Info("desired state changed, restarting reconciliation")
					case <-cmd.Context().Done():
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-apply when the document changes")
	cmd.Flags().BoolVar(&once, "once", false, "run a single reconcile iteration and exit")
	return cmd
}

// reconcileSession applies the desired state, then runs the fleet loop until
// the context is cancelled.
func reconcileSession(ctx context.Context, rt *runtime, once bool) error {
	doc, resources, err := loadResources(documentPath)
	if err != nil {
		return err
	}
	if doc.Fleet == nil {
		return fmt.Errorf("document %s declares no fleet section", documentPath)
	}

	if err := applyDesired(ctx, rt, resources); err != nil {
		return err
	}

	reconciler, err := buildReconciler(ctx, rt, doc)
	if err != nil {
		return err
	}
	if once {
		return reconciler.ReconcileOnce(ctx)
	}
	return reconciler.Run(ctx)
}

func applyDesired(ctx context.Context, rt *runtime, resources []*engine.Resource) error {
	plan, err := engine.NewPlanner(rt.store).Plan(ctx, resources)
	if err != nil {
		return err
	}
	if !plan.Summary.HasChanges() {
		return nil
	}

	exec := engine.NewExecutor(rt.registry, rt.store,
		engine.WithLogger(rt.log.Zerolog()),
		engine.WithJournal(rt.store),
		engine.WithMetrics(rt.metrics),
	)
	rt.metrics.RecordApplyStarted()
	report, err := exec.Apply(ctx, plan, engine.ApplyOptions{})
	if err != nil {
		return err
	}
	recordApplyMetrics(rt, report)
	if report.Status != engine.RunStatusSucceeded {
		return fmt.Errorf("apply %s finished with status %s", report.RunID, report.Status)
	}
	return nil
}

// buildReconciler resolves the declared group and target group to their
// provider identifiers through recorded state.
func buildReconciler(ctx context.Context, rt *runtime, doc *config.Document) (*fleet.Reconciler, error) {
	groupKey, err := doc.Fleet.GroupKey()
	if err != nil {
		return nil, err
	}
	targetKey, err := doc.Fleet.TargetGroupKey()
	if err != nil {
		return nil, err
	}

	groupRec, err := rt.store.Get(ctx, groupKey)
	if err != nil {
		return nil, err
	}
	if groupRec == nil {
		return nil, fmt.Errorf("group %s has no recorded state; apply first", groupKey)
	}
	targetRec, err := rt.store.Get(ctx, targetKey)
	if err != nil {
		return nil, err
	}
	if targetRec == nil {
		return nil, fmt.Errorf("target group %s has no recorded state; apply first", targetKey)
	}

	cfg, err := doc.Fleet.FleetConfig(groupRec.ProviderID, targetRec.ProviderID)
	if err != nil {
		return nil, err
	}
	return fleet.New(cfg, rt.platform, rt.platform,
		fleet.WithLogger(rt.log.NewComponentLogger("fleet")),
		fleet.WithMetrics(rt.metrics),
	)
}
